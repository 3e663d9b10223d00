// Package navigator walks traces in canonical order: import batch order, then
// row order within the file.
package navigator

import (
	"context"
	"fmt"

	"github.com/kalambet/opencoding/internal/storage"
)

// Store defines the reads the Navigator needs. Implemented by storage.Store.
type Store interface {
	OrderedTraceIDs(ctx context.Context) ([]string, error)
	AnnotatedTraceIDs(ctx context.Context, userID string) (map[string]bool, error)
	GetTrace(ctx context.Context, id string) (storage.Trace, error)
}

// Adjacent holds the neighbours of a trace; nil at either end.
type Adjacent struct {
	Prev *string `json:"prev"`
	Next *string `json:"next"`
}

type Navigator struct {
	store Store
}

func New(store Store) *Navigator {
	return &Navigator{store: store}
}

// Adjacent returns the traces immediately before and after traceID.
// Unknown ids return storage.ErrNotFound.
func (n *Navigator) Adjacent(ctx context.Context, traceID string) (Adjacent, error) {
	ids, err := n.store.OrderedTraceIDs(ctx)
	if err != nil {
		return Adjacent{}, fmt.Errorf("listing traces: %w", err)
	}
	for i, id := range ids {
		if id != traceID {
			continue
		}
		var adj Adjacent
		if i > 0 {
			adj.Prev = &ids[i-1]
		}
		if i < len(ids)-1 {
			adj.Next = &ids[i+1]
		}
		return adj, nil
	}
	return Adjacent{}, fmt.Errorf("trace %s: %w", traceID, storage.ErrNotFound)
}

// NextUnannotated returns the first trace in canonical order that userID has
// not annotated, or nil when every trace is annotated.
func (n *Navigator) NextUnannotated(ctx context.Context, userID string) (*storage.Trace, error) {
	done, err := n.store.AnnotatedTraceIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing annotated traces: %w", err)
	}
	ids, err := n.store.OrderedTraceIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}
	for _, id := range ids {
		if done[id] {
			continue
		}
		t, err := n.store.GetTrace(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading trace %s: %w", id, err)
		}
		return &t, nil
	}
	return nil, nil
}
