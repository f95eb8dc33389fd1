package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/punchamoorthee/settlement/internal/common"
	"github.com/punchamoorthee/settlement/internal/domain"
)

const (
	DefaultSubjectPrefix = "settlement.ledger"

	natsRelayerQueue = "ledger-relayer"

	errCodeRejected    = "rejected"
	errCodeUnavailable = "unavailable"
	errCodeAmbiguous   = "ambiguous"
	errCodeNoPriceFeed = "no_price_feed"
)

type natsRequest struct {
	Envelope *Envelope        `json:"envelope,omitempty"`
	Ref      *domain.LedgerRef `json:"ref,omitempty"`
	After    *domain.Cursor    `json:"after,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Symbol   string            `json:"symbol,omitempty"`
}

type natsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type natsReply struct {
	Ref     *domain.LedgerRef    `json:"ref,omitempty"`
	Receipt *Receipt             `json:"receipt,omitempty"`
	Events  []domain.LedgerEvent `json:"events,omitempty"`
	Balance int64                `json:"balance,omitempty"`
	Price   int64                `json:"price,omitempty"`
	Error   *natsError           `json:"error,omitempty"`
}

// NATSClient talks to a signing relayer over NATS request/reply.
type NATSClient struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// NewNATSClient uses subjects <prefix>.submit, .status, .events, .balance and .price.
func NewNATSClient(nc *nats.Conn, prefix string, timeout time.Duration) *NATSClient {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSClient{nc: nc, prefix: prefix, timeout: timeout}
}

func (c *NATSClient) Submit(ctx context.Context, env Envelope) (domain.LedgerRef, error) {
	reply, err := c.request(ctx, "submit", natsRequest{Envelope: &env}, true)
	if err != nil {
		return domain.LedgerRef{}, err
	}
	if reply.Ref == nil || reply.Ref.TxHash == "" {
		return domain.LedgerRef{}, fmt.Errorf("%w: relayer returned no transaction reference", ErrAmbiguous)
	}
	return *reply.Ref, nil
}

func (c *NATSClient) Status(ctx context.Context, ref domain.LedgerRef) (Receipt, error) {
	reply, err := c.request(ctx, "status", natsRequest{Ref: &ref}, false)
	if err != nil {
		return Receipt{}, err
	}
	if reply.Receipt == nil {
		return Receipt{Status: ReceiptUnknown}, nil
	}
	return *reply.Receipt, nil
}

func (c *NATSClient) Events(ctx context.Context, after domain.Cursor, limit int) ([]domain.LedgerEvent, error) {
	reply, err := c.request(ctx, "events", natsRequest{After: &after, Limit: limit}, false)
	if err != nil {
		return nil, err
	}
	return reply.Events, nil
}

func (c *NATSClient) Balance(ctx context.Context) (int64, error) {
	reply, err := c.request(ctx, "balance", natsRequest{}, false)
	if err != nil {
		return 0, err
	}
	return reply.Balance, nil
}

func (c *NATSClient) Price(ctx context.Context, symbol string) (int64, error) {
	reply, err := c.request(ctx, "price", natsRequest{Symbol: symbol}, false)
	if err != nil {
		return 0, err
	}
	return reply.Price, nil
}

func (c *NATSClient) request(ctx context.Context, op string, req natsRequest, submit bool) (*natsReply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s request: %v", ErrRejected, op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	subject := c.prefix + "." + op
	msg, err := c.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, requestError(subject, err, submit)
	}

	var reply natsReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		if submit {
			return nil, fmt.Errorf("%w: unreadable reply on %s: %v", ErrAmbiguous, subject, err)
		}
		return nil, fmt.Errorf("%w: unreadable reply on %s: %v", ErrUnavailable, subject, err)
	}
	if reply.Error != nil {
		return nil, replyError(reply.Error)
	}
	return &reply, nil
}

// requestError classifies a transport failure. A submit that timed out may have been
// relayed, so it is ambiguous; anything that never left this process is unavailable.
func requestError(subject string, err error, submit bool) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrBadSubscription),
		errors.Is(err, nats.ErrInvalidConnection),
		errors.Is(err, nats.ErrConnectionDraining):
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, subject, err)
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		if submit {
			return fmt.Errorf("%w: %s: %v", ErrAmbiguous, subject, err)
		}
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, subject, err)
	}
	if submit {
		return fmt.Errorf("%w: %s: %v", ErrAmbiguous, subject, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, subject, err)
}

func replyError(e *natsError) error {
	switch e.Code {
	case errCodeRejected:
		return fmt.Errorf("%w: %s", ErrRejected, e.Message)
	case errCodeUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, e.Message)
	case errCodeNoPriceFeed:
		return fmt.Errorf("%w: %s", ErrNoPriceFeed, e.Message)
	default:
		return fmt.Errorf("%w: %s", ErrAmbiguous, e.Message)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrRejected):
		return errCodeRejected
	case errors.Is(err, ErrUnavailable):
		return errCodeUnavailable
	case errors.Is(err, ErrNoPriceFeed):
		return errCodeNoPriceFeed
	}
	return errCodeAmbiguous
}

// Relayer serves a Client over NATS so remote NATSClients can reach it.
type Relayer struct {
	subs []*nats.Subscription
}

// Serve registers queue subscriptions for every ledger operation on nc.
func Serve(nc *nats.Conn, prefix string, client Client) (*Relayer, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	handlers := map[string]func(context.Context, natsRequest) natsReply{
		"submit": func(ctx context.Context, req natsRequest) natsReply {
			if req.Envelope == nil {
				return natsReply{Error: &natsError{Code: errCodeRejected, Message: "missing envelope"}}
			}
			ref, err := client.Submit(ctx, *req.Envelope)
			if err != nil {
				return natsReply{Error: &natsError{Code: errorCode(err), Message: err.Error()}}
			}
			return natsReply{Ref: &ref}
		},
		"status": func(ctx context.Context, req natsRequest) natsReply {
			if req.Ref == nil {
				return natsReply{Error: &natsError{Code: errCodeRejected, Message: "missing ref"}}
			}
			rcpt, err := client.Status(ctx, *req.Ref)
			if err != nil {
				return natsReply{Error: &natsError{Code: errorCode(err), Message: err.Error()}}
			}
			return natsReply{Receipt: &rcpt}
		},
		"events": func(ctx context.Context, req natsRequest) natsReply {
			var after domain.Cursor
			if req.After != nil {
				after = *req.After
			}
			evs, err := client.Events(ctx, after, req.Limit)
			if err != nil {
				return natsReply{Error: &natsError{Code: errorCode(err), Message: err.Error()}}
			}
			return natsReply{Events: evs}
		},
		"balance": func(ctx context.Context, _ natsRequest) natsReply {
			bal, err := client.Balance(ctx)
			if err != nil {
				return natsReply{Error: &natsError{Code: errorCode(err), Message: err.Error()}}
			}
			return natsReply{Balance: bal}
		},
		"price": func(ctx context.Context, req natsRequest) natsReply {
			price, err := client.Price(ctx, req.Symbol)
			if err != nil {
				return natsReply{Error: &natsError{Code: errorCode(err), Message: err.Error()}}
			}
			return natsReply{Price: price}
		},
	}

	r := &Relayer{}
	for op, handle := range handlers {
		subject := prefix + "." + op
		handle := handle
		sub, err := nc.QueueSubscribe(subject, natsRelayerQueue, func(msg *nats.Msg) {
			common.Log.Debugf("consuming %d-byte NATS ledger message on subject: %s", len(msg.Data), msg.Subject)

			var req natsRequest
			reply := natsReply{}
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				reply.Error = &natsError{Code: errCodeRejected, Message: fmt.Sprintf("malformed request: %s", err)}
			} else {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				reply = handle(ctx, req)
				cancel()
			}

			data, err := json.Marshal(reply)
			if err != nil {
				common.Log.Warningf("failed to marshal ledger reply on subject %s; %s", msg.Subject, err.Error())
				return
			}
			if err := msg.Respond(data); err != nil {
				common.Log.Warningf("failed to respond on subject %s; %s", msg.Subject, err.Error())
			}
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return r, nil
}

// Close drains every relayer subscription.
func (r *Relayer) Close() {
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			common.Log.Debugf("failed to unsubscribe %s; %s", sub.Subject, err.Error())
		}
	}
	r.subs = nil
}
