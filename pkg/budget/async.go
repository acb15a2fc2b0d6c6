package budget

import "context"

// Async runs Manager operations on their own goroutines. Every call
// delegates to the same Manager, so results match the blocking API exactly.
type Async struct {
	m *Manager
}

func NewAsync(m *Manager) *Async {
	return &Async{m: m}
}

// UsageResult is the outcome of an asynchronous RecordUsage.
type UsageResult struct {
	Cost float64
	Err  error
}

// CheckAvailability starts a check and returns a channel that receives
// exactly one value.
func (a *Async) CheckAvailability(ctx context.Context, req CheckRequest) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.m.CheckAvailability(ctx, req)
	}()
	return errCh
}

// RecordSpend starts a spend and returns a channel that receives exactly one value.
func (a *Async) RecordSpend(ctx context.Context, rec SpendRecord) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.m.RecordSpend(ctx, rec)
	}()
	return errCh
}

// RecordUsage prices and records usage in the background.
func (a *Async) RecordUsage(ctx context.Context, u UsageRecord) <-chan UsageResult {
	resCh := make(chan UsageResult, 1)
	go func() {
		cost, err := a.m.RecordUsage(ctx, u)
		resCh <- UsageResult{Cost: cost, Err: err}
	}()
	return resCh
}

// Manager returns the wrapped Manager.
func (a *Async) Manager() *Manager { return a.m }
