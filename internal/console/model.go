package console

import (
	"context"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/lift-sync/internal/bridge"
	"github.com/lowaak/smart-trainer/lift-sync/internal/events"
	"github.com/lowaak/smart-trainer/lift-sync/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/lift-sync/internal/session"
	"github.com/lowaak/smart-trainer/lift-sync/internal/store"
)

// UIState holds the current state of the UI that views need to render
type UIState struct {
	Mode UIMode
}

// HistoryState is what the history screen shows
type HistoryState struct {
	Workouts []store.WorkoutSummary
	Selected string // session ID whose sets are loaded
	Sets     []store.SetRecord
}

// LinkState is what the link screen shows
type LinkState struct {
	State     bridge.ActivationState
	Reachable bool
	Stats     bridge.Stats
}

type Model struct {
	logEvent              *events.ChannelEvent[string]
	sessionEvent          *events.ChannelEvent[session.View]
	session               session.View
	uiStateEvent          *events.ChannelEvent[UIState]
	uiState               UIState
	historyEvent          *events.ChannelEvent[HistoryState]
	history               HistoryState
	linkEvent             *events.ChannelEvent[LinkState]
	link                  LinkState
	closeApplicationEvent *events.ChannelEvent[struct{}]
	prefs                 *Prefs
	logLines              []string
	logMu                 sync.RWMutex
	mu                    sync.RWMutex
	ctx                   context.Context
	cancel                context.CancelFunc
	wg                    sync.WaitGroup
	logger                *log.Logger
}

// NewModel follows the coordinator snapshots and the log line channel
func NewModel(snapshots *events.ChannelEvent[session.Snapshot], prefs *Prefs, logger *log.Logger, uiLogChan <-chan string) *Model {
	if snapshots == nil {
		panic("Model: snapshots cannot be nil")
	}
	if prefs == nil {
		panic("Model: prefs cannot be nil")
	}
	if logger == nil {
		panic("Model: logger cannot be nil")
	}
	if uiLogChan == nil {
		panic("Model: uiLogChan cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Model{
		logEvent:              events.NewChannelEvent[string](false),
		sessionEvent:          events.NewChannelEvent[session.View](true),
		session:               session.Snapshot{CurrentExercise: -1}.View(),
		uiStateEvent:          events.NewChannelEvent[UIState](true),
		uiState:               UIState{Mode: prefs.Mode()},
		historyEvent:          events.NewChannelEvent[HistoryState](true),
		linkEvent:             events.NewChannelEvent[LinkState](true),
		closeApplicationEvent: events.NewChannelEvent[struct{}](true),
		prefs:                 prefs,
		logLines:              make([]string, 0, maxLogLines),
		ctx:                   ctx,
		cancel:                cancel,
		logger:                logger,
	}

	snapChan := make(chan session.Snapshot, 8)
	unregister := snapshots.Listen(snapChan)
	m.wg.Add(1)
	go_func_utils.SafeGo(logger, "console snapshots", func() { m.listenToSnapshots(ctx, snapChan, unregister) })

	m.wg.Add(1)
	go_func_utils.SafeGo(logger, "console log", func() { m.readFromLogChannel(ctx, uiLogChan) })

	return m
}

// Shutdown stops all goroutines and waits for them to finish
func (m *Model) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

func (m *Model) Prefs() *Prefs { return m.prefs }

func (m *Model) ListenToLog(ch chan<- string) func() {
	return m.logEvent.Listen(ch)
}

func (m *Model) ListenToSession(ch chan<- session.View) func() {
	return m.sessionEvent.Listen(ch)
}

// GetSession returns the latest session view
func (m *Model) GetSession() session.View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *Model) ListenToUIState(ch chan<- UIState) func() {
	return m.uiStateEvent.Listen(ch)
}

func (m *Model) GetUIState() UIState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uiState
}

// SetMode updates the current UI mode, remembers it and notifies listeners
func (m *Model) SetMode(mode UIMode) {
	m.mu.Lock()
	if m.uiState.Mode == mode {
		m.mu.Unlock()
		return
	}
	m.uiState.Mode = mode
	state := m.uiState
	m.prefs.SetMode(mode)
	m.mu.Unlock()

	m.uiStateEvent.Notify(state)
}

func (m *Model) ListenToHistory(ch chan<- HistoryState) func() {
	return m.historyEvent.Listen(ch)
}

func (m *Model) GetHistory() HistoryState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history
}

func (m *Model) SetHistory(h HistoryState) {
	m.mu.Lock()
	m.history = h
	m.mu.Unlock()

	m.historyEvent.Notify(h)
}

func (m *Model) ListenToLink(ch chan<- LinkState) func() {
	return m.linkEvent.Listen(ch)
}

func (m *Model) GetLink() LinkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.link
}

// SetLink stores the link state; listeners are only notified when it changed
func (m *Model) SetLink(l LinkState) {
	m.mu.Lock()
	if m.link == l {
		m.mu.Unlock()
		return
	}
	m.link = l
	m.mu.Unlock()

	m.linkEvent.Notify(l)
}

func (m *Model) ListenToCloseApplication(ch chan<- struct{}) func() {
	return m.closeApplicationEvent.Listen(ch)
}

// RequestCloseApplication signals that the application should close
func (m *Model) RequestCloseApplication() {
	m.closeApplicationEvent.Notify(struct{}{})
}

func (m *Model) listenToSnapshots(ctx context.Context, ch <-chan session.Snapshot, unregister func()) {
	defer m.wg.Done()
	defer unregister()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			view := snap.View()
			m.mu.Lock()
			m.session = view
			m.mu.Unlock()
			m.sessionEvent.Notify(view)
		}
	}
}

// readFromLogChannel reads log lines from the channel and populates logLines
func (m *Model) readFromLogChannel(ctx context.Context, logChan <-chan string) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-logChan:
			if !ok {
				return
			}

			m.logMu.Lock()
			m.logLines = append(m.logLines, line)
			if len(m.logLines) > maxLogLines {
				m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
			}
			m.logMu.Unlock()

			m.logEvent.Notify(line)
		}
	}
}

// GetLogTail returns the last n lines of logs
func (m *Model) GetLogTail(n int) []string {
	m.logMu.RLock()
	defer m.logMu.RUnlock()

	if n <= 0 {
		return []string{}
	}
	if n >= len(m.logLines) {
		result := make([]string, len(m.logLines))
		copy(result, m.logLines)
		return result
	}
	result := make([]string, n)
	copy(result, m.logLines[len(m.logLines)-n:])
	return result
}
