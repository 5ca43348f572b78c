package archive

import (
	"context"
	"strings"

	"github.com/ent0n29/outdial/internal/callstore"
)

// Archiver receives terminal call records for best-effort retention. The
// in-memory store stays authoritative; archive writes are never read back.
type Archiver interface {
	SaveCall(ctx context.Context, rec callstore.CallRecord) error
	Close()
}

// NewArchiver creates a postgres-backed archiver when configured, otherwise a no-op.
func NewArchiver(ctx context.Context, databaseURL string) (Archiver, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NopArchiver{}, nil
	}
	return NewPostgresArchiver(ctx, databaseURL)
}

// NopArchiver discards every record.
type NopArchiver struct{}

func (NopArchiver) SaveCall(context.Context, callstore.CallRecord) error { return nil }

func (NopArchiver) Close() {}
