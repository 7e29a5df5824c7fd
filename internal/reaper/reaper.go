// Package reaper runs the background sweep that releases inventory held by
// redirect checkouts the buyer walked away from.
package reaper

import (
	"context"
	"log"
	"time"
)

type Service interface {
	ReapAbandonedOrders(ctx context.Context) (int, error)
}

type Reaper struct {
	svc      Service
	interval time.Duration
	done     chan struct{}
	stopped  chan struct{}
}

func New(svc Service, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Reaper{
		svc:      svc,
		interval: interval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately; call Stop to halt
// the loop and wait for the in-flight run to finish.
func (r *Reaper) Start() {
	go r.run()
}

func (r *Reaper) Stop() {
	close(r.done)
	<-r.stopped
}

func (r *Reaper) run() {
	defer close(r.stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reaped, err := r.svc.ReapAbandonedOrders(ctx)
	if err != nil {
		log.Printf("[reaper] WARN: sweep failed: %v", err)
		return
	}
	if reaped > 0 {
		log.Printf("[reaper] released %d abandoned orders", reaped)
	}
}
