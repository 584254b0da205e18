package console

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/lift-sync/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/lift-sync/internal/session"
)

// ViewImpl defines the interface for framework-specific UI implementations
type ViewImpl interface {
	// Initialize is called after construction to set up framework-specific widgets
	Initialize(controller *Controller)

	// SetupKeyboardHandlers sets up keyboard event handlers
	SetupKeyboardHandlers(controller *Controller)

	// Run starts the UI framework and blocks until it exits
	Run() error

	// Stop stops the UI framework
	Stop()

	// Draw refreshes/redraws the UI
	Draw()

	SetMode(mode UIMode)

	// GetLogViewHeight returns the visible height of the log view
	GetLogViewHeight() int

	// SetLogLines replaces the log view content
	SetLogLines(lines []string)

	UpdateSession(v session.View)
	UpdateHistory(h HistoryState)
	UpdateLink(l LinkState)
}

// linkRefreshTicks is how many resize ticks pass between link refreshes
const linkRefreshTicks = 10

// View contains the logic shared by all UI implementations
type View struct {
	impl       ViewImpl
	model      *Model
	controller *Controller
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *log.Logger
}

func NewView(impl ViewImpl, m *Model, c *Controller, logger *log.Logger) *View {
	if impl == nil {
		panic("View: impl cannot be nil")
	}
	if m == nil {
		panic("View: model cannot be nil")
	}
	if c == nil {
		panic("View: controller cannot be nil")
	}
	if logger == nil {
		panic("View: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &View{impl: impl, model: m, controller: c, ctx: ctx, cancel: cancel, logger: logger}

	impl.Initialize(c)
	impl.SetupKeyboardHandlers(c)
	impl.SetMode(m.GetUIState().Mode)
	impl.UpdateSession(m.GetSession())

	v.wg.Add(1)
	go_func_utils.SafeGo(logger, "console ticker", v.monitor)
	v.updateLogDisplay()

	v.setupEventListeners()
	return v
}

// listen forwards every value of an event to apply and redraws
func listen[T any](v *View, name string, register func(chan<- T) func(), apply func(T)) {
	ch := make(chan T, 1)
	unregister := register(ch)
	v.wg.Add(1)
	go_func_utils.SafeGo(v.logger, name, func() {
		defer v.wg.Done()
		defer unregister()
		for {
			select {
			case <-v.ctx.Done():
				return
			case value := <-ch:
				apply(value)
				v.impl.Draw()
			}
		}
	})
}

func (v *View) setupEventListeners() {
	listen(v, "console log view", v.model.ListenToLog, func(string) { v.updateLogDisplay() })
	listen(v, "console session view", v.model.ListenToSession, v.impl.UpdateSession)
	listen(v, "console history view", v.model.ListenToHistory, v.impl.UpdateHistory)
	listen(v, "console link view", v.model.ListenToLink, v.impl.UpdateLink)
	listen(v, "console mode", v.model.ListenToUIState, func(s UIState) { v.impl.SetMode(s.Mode) })

	closeChan := make(chan struct{}, 1)
	closeUnregister := v.model.ListenToCloseApplication(closeChan)
	v.wg.Add(1)
	go_func_utils.SafeGo(v.logger, "console close", func() {
		defer v.wg.Done()
		defer closeUnregister()
		select {
		case <-v.ctx.Done():
		case <-closeChan:
			v.impl.Stop()
		}
	})
}

func (v *View) updateLogDisplay() {
	height := v.impl.GetLogViewHeight()
	if height <= 0 {
		return
	}
	v.impl.SetLogLines(v.model.GetLogTail(height))
}

// monitor redraws the log on resize and polls the link counters while the link screen is shown
func (v *View) monitor() {
	defer v.wg.Done()
	var lastHeight, ticks int
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-v.ctx.Done():
			return
		case <-ticker.C:
			ticks++
			if ticks%linkRefreshTicks == 0 && v.model.GetUIState().Mode == UIModeLink {
				v.controller.RefreshLink()
			}
			height := v.impl.GetLogViewHeight()
			if height != lastHeight && height > 0 {
				lastHeight = height
				v.updateLogDisplay()
				v.impl.Draw()
			}
		}
	}
}

// Run starts the UI and blocks until it exits
func (v *View) Run() error {
	return v.impl.Run()
}

// Shutdown stops all goroutines and waits for them to finish
func (v *View) Shutdown() {
	v.cancel()
	v.wg.Wait()
}
