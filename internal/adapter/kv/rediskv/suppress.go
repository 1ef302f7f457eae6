package rediskv

import (
	"context"
	"log/slog"
	"time"
)

// Suppressor elides repeat notifications for the same subject within a time
// window, using a SETNX marker with TTL.
type Suppressor struct {
	c  *Client
	ns string
}

// NewSuppressor binds suppression markers to the namespace.
func NewSuppressor(c *Client, ns string) *Suppressor {
	return &Suppressor{c: c, ns: ns}
}

// Allow reports whether the subject may notify now, and arms the window when
// it does. Fails open: a store error logs and allows, favoring delivery over
// silence.
func (s *Suppressor) Allow(ctx context.Context, key string, window time.Duration) bool {
	set, err := s.c.SetNX(ctx, s.ns+":suppress:"+key, "1", window)
	if err != nil {
		slog.Warn("suppression marker unavailable; allowing", slog.String("key", key), slog.Any("error", err))
		return true
	}
	return set
}
