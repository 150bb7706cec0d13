package alerts

import (
	"context"
	"time"
)

// Condition is a state worth telling an operator about. Check reports
// whether it currently holds, plus details for the message.
type Condition struct {
	Key      string
	Severity Severity
	Title    string
	Check    func() (bool, map[string]string)
}

// Watcher polls conditions and notifies when one starts or stops holding.
type Watcher struct {
	notifier Notifier
	conds    []Condition
	active   map[string]bool
	now      func() time.Time
}

func NewWatcher(n Notifier, conds ...Condition) *Watcher {
	return &Watcher{notifier: n, conds: conds, active: make(map[string]bool), now: time.Now}
}

// Poll evaluates every condition once. Not safe for concurrent use.
func (w *Watcher) Poll() {
	for _, c := range w.conds {
		on, details := c.Check()
		was := w.active[c.Key]
		w.active[c.Key] = on
		switch {
		case on && !was:
			w.notifier.Notify(Alert{Key: c.Key, Severity: c.Severity, Title: c.Title, Fields: details, At: w.now()})
		case !on && was:
			w.notifier.Notify(Alert{Key: c.Key + ".resolved", Severity: SeverityInfo, Title: "resolved: " + c.Title, Fields: details, At: w.now()})
		}
	}
}

// Run polls every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.Poll()
		}
	}
}
