package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/nhle/groupware/internal/model"
	"github.com/nhle/groupware/internal/source"
)

// SyncState represents the current state of a source poll.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the poll state for a single source.
type SyncStatus struct {
	SourceType source.SourceType
	State      SyncState
	LastSync   time.Time
	Error      error
}

// SyncResultMsg is a tea.Msg sent when a poll completes.
type SyncResultMsg struct {
	Source    source.SourceType
	Received  int
	Delivered int
	Error     error
	AuthError *AuthErrorMsg
}

// AuthErrorMsg is a tea.Msg sent when a source returns an authentication error.
type AuthErrorMsg struct {
	SourceType source.SourceType
	Message    string
}

// Dispatcher delivers notifications to the stores. data.Notifier
// implements it.
type Dispatcher interface {
	Dispatch(note model.Notification) bool
}

// fetchTimeout is the maximum time allowed for a single fetch operation.
const fetchTimeout = 30 * time.Second

// DefaultInterval is used for sources registered without an interval.
const DefaultInterval = 120 * time.Second

// sourceEntry holds a registered source and its schedule.
type sourceEntry struct {
	src      source.Source
	interval time.Duration
	trigger  chan struct{}
}

// Poller orchestrates background polling of notification sources and
// hands what they report to a Dispatcher.
type Poller struct {
	dispatcher Dispatcher
	log        logrus.FieldLogger

	sources  []sourceEntry
	statuses map[source.SourceType]*SyncStatus
	resultCh chan SyncResultMsg
	stopCh   chan struct{}
	wg       gosync.WaitGroup
	mu       gosync.Mutex
	running  bool
}

// New creates a new Poller delivering to d.
func New(d Dispatcher, logger logrus.FieldLogger) *Poller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Poller{
		dispatcher: d,
		log:        logger.WithField("component", "poller"),
		statuses:   make(map[source.SourceType]*SyncStatus),
		resultCh:   make(chan SyncResultMsg, 16),
		stopCh:     make(chan struct{}),
	}
}

// RegisterSource adds a source polled every interval.
func (p *Poller) RegisterSource(src source.Source, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if interval <= 0 {
		interval = DefaultInterval
	}
	st := src.Type()
	p.sources = append(p.sources, sourceEntry{
		src:      src,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	})
	p.statuses[st] = &SyncStatus{
		SourceType: st,
		State:      SyncIdle,
	}
}

// Start returns a tea.Cmd that starts all polling goroutines and
// subscribes to results. The returned command waits on the result
// channel and returns SyncResultMsg messages to the Bubble Tea runtime.
func (p *Poller) Start() tea.Cmd {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	sources := make([]sourceEntry, len(p.sources))
	copy(sources, p.sources)
	p.mu.Unlock()

	for _, entry := range sources {
		p.wg.Add(1)
		go p.pollSource(entry)
	}

	return p.waitForResult()
}

// Stop halts all polling goroutines and waits for in-flight polls.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}

// RefreshAll triggers an immediate poll of all registered sources.
func (p *Poller) RefreshAll() tea.Cmd {
	p.mu.Lock()
	sources := make([]sourceEntry, len(p.sources))
	copy(sources, p.sources)
	p.mu.Unlock()

	for _, entry := range sources {
		trigger(entry)
	}
	return nil
}

// RefreshSource triggers an immediate poll of a single source type.
// It never blocks; a poll already pending absorbs the request.
func (p *Poller) RefreshSource(sourceType source.SourceType) tea.Cmd {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.sources {
		if entry.src.Type() == sourceType {
			trigger(entry)
		}
	}
	return nil
}

func trigger(entry sourceEntry) {
	select {
	case entry.trigger <- struct{}{}:
	default:
	}
}

// GetStatuses returns the current status of all registered sources.
func (p *Poller) GetStatuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		statuses = append(statuses, *s)
	}
	return statuses
}

// pollSource runs the polling loop for a single source.
func (p *Poller) pollSource(entry sourceEntry) {
	defer p.wg.Done()

	ticker := time.NewTicker(entry.interval)
	defer ticker.Stop()

	p.fetchAndDispatch(entry)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.fetchAndDispatch(entry)
		case <-entry.trigger:
			p.fetchAndDispatch(entry)
		}
	}
}

// fetchAndDispatch performs a single fetch, dispatches what it returned
// and sends a SyncResultMsg on the result channel.
func (p *Poller) fetchAndDispatch(entry sourceEntry) {
	st := entry.src.Type()
	p.setStatus(st, SyncRunning, nil)

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	result, err := entry.src.Fetch(ctx)
	if err != nil {
		p.setStatus(st, SyncError, err)
		p.log.WithError(err).WithField("source", st).Warn("poll failed")

		if source.IsAuthError(err) {
			p.sendResult(SyncResultMsg{
				Source: st,
				Error:  err,
				AuthError: &AuthErrorMsg{
					SourceType: st,
					Message: fmt.Sprintf(
						"%s: authentication expired. Run login to sign in again.",
						st,
					),
				},
			})
			return
		}

		p.sendResult(SyncResultMsg{Source: st, Error: err})
		return
	}

	delivered := 0
	for _, note := range result.Notifications {
		if p.dispatcher != nil && p.dispatcher.Dispatch(note) {
			delivered++
		}
	}

	p.setStatus(st, SyncIdle, nil)
	if len(result.Notifications) > 0 {
		p.log.WithFields(logrus.Fields{
			"source":    st,
			"received":  len(result.Notifications),
			"delivered": delivered,
		}).Debug("poll dispatched notifications")
	}
	p.sendResult(SyncResultMsg{
		Source:    st,
		Received:  len(result.Notifications),
		Delivered: delivered,
	})
}

// setStatus updates the status for a source type.
func (p *Poller) setStatus(st source.SourceType, state SyncState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[st]
	if !ok {
		return
	}

	status.State = state
	status.Error = err
	if state == SyncIdle && err == nil {
		status.LastSync = time.Now()
	}
}

// sendResult sends a SyncResultMsg on the result channel without blocking.
func (p *Poller) sendResult(msg SyncResultMsg) {
	select {
	case p.resultCh <- msg:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}

// waitForResult returns a tea.Cmd that waits for the next result from
// the result channel.
func (p *Poller) waitForResult() tea.Cmd {
	return func() tea.Msg {
		result, ok := <-p.resultCh
		if !ok {
			return nil
		}
		return result
	}
}

// WaitForNextResult returns a tea.Cmd that waits for the next poll result.
// Call it after processing a SyncResultMsg to keep listening.
func (p *Poller) WaitForNextResult() tea.Cmd {
	return p.waitForResult()
}
