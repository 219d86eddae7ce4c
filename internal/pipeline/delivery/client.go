package delivery

import (
	"context"
	"fmt"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
)

// Client delivers one idempotent upsert. Errors are *domain.DeliveryError.
type Client interface {
	Deliver(ctx context.Context, op domain.Operation) error
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, op domain.Operation) error

func (f ClientFunc) Deliver(ctx context.Context, op domain.Operation) error {
	return f(ctx, op)
}

// Router sends each operation to the client registered for its destination.
type Router struct {
	clients map[domain.Destination]Client
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{clients: make(map[domain.Destination]Client)}
}

// Handle registers c for dest, replacing any previous client.
func (r *Router) Handle(dest domain.Destination, c Client) *Router {
	r.clients[dest] = c
	return r
}

func (r *Router) Deliver(ctx context.Context, op domain.Operation) error {
	c, ok := r.clients[op.Destination]
	if !ok {
		return domain.NewTransportError(op.Name, fmt.Errorf("no client configured for destination %q", op.Destination))
	}
	return c.Deliver(ctx, op)
}
