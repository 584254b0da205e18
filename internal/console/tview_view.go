package console

import (
	"log"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/lift-sync/internal/session"
)

// Page names for tview.Pages
const (
	pageSession = "session"
	pageHistory = "history"
	pageLink    = "link"
)

// TviewImpl implements ViewImpl with tview
type TviewImpl struct {
	logger      *log.Logger
	app         *tview.Application
	currentMode UIMode

	pages    *tview.Pages
	logView  *tview.TextView
	mainFlex *tview.Flex

	sessionPanel *tview.TextView
	sessionFlex  *tview.Flex

	historyList   *tview.List
	historyDetail *tview.TextView
	historyFlex   *tview.Flex
	historyTabs   []*tview.Box

	linkPanel *tview.TextView
}

func NewTviewImpl(logger *log.Logger, app *tview.Application) *TviewImpl {
	return &TviewImpl{logger: logger, app: app, currentMode: UIModeSession}
}

// Initialize sets up the tview widgets
func (ui *TviewImpl) Initialize(controller *Controller) {
	// No SetChangedFunc with app.Draw(): it can hang once the app is stopped
	ui.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	ui.logView.SetBorder(true).SetTitle(" Logs ")

	ui.pages = tview.NewPages()
	ui.initSession()
	ui.initHistory(controller)
	ui.linkPanel = tview.NewTextView().SetDynamicColors(true)
	ui.linkPanel.SetBorder(true).SetTitle(" Link ")
	ui.linkPanel.SetText(renderLink(LinkState{}))

	ui.pages.AddPage(pageSession, ui.sessionFlex, true, true)
	ui.pages.AddPage(pageHistory, ui.historyFlex, true, false)
	ui.pages.AddPage(pageLink, ui.linkPanel, true, false)

	ui.mainFlex = tview.NewFlex().
		AddItem(ui.pages, 0, 1, true).
		AddItem(ui.logView, 0, 1, false)
}

func (ui *TviewImpl) initSession() {
	help := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	help.SetText("[yellow]Space[white] Start/Pause  [yellow]X[white] End  [yellow]G[white] Start set  [yellow]E[white] End set  [yellow]+/-[white] Weight  [yellow]↑/↓[white] Reps\n" +
		"[yellow]A[white] Add set  [yellow]N[white] Another  [yellow]F[white] Finish  [yellow]S[white] Skip rest  [yellow]C[white]/[yellow]R[white] Rest  [yellow]D[white] Dismiss  |  [yellow]1[white] Session  [yellow]2[white] History  [yellow]3[white] Link")

	ui.sessionPanel = tview.NewTextView().SetDynamicColors(true)
	ui.sessionPanel.SetBorder(true).SetTitle(" Workout ")

	ui.sessionFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(help, 2, 0, false).
		AddItem(ui.sessionPanel, 0, 1, true)
}

func (ui *TviewImpl) initHistory(controller *Controller) {
	ui.historyList = tview.NewList().
		ShowSecondaryText(true).
		SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
			controller.OnWorkoutSelected(index)
		})
	ui.historyList.SetBorder(true).SetTitle(" Workouts ")

	ui.historyDetail = tview.NewTextView().SetDynamicColors(true)
	ui.historyDetail.SetBorder(true).SetTitle(" Sets ")
	ui.historyDetail.SetText(renderWorkoutSets(HistoryState{}))

	ui.historyTabs = []*tview.Box{ui.historyList.Box, ui.historyDetail.Box}
	ui.historyFlex = tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(ui.historyList, 0, 1, true).
		AddItem(ui.historyDetail, 0, 1, false)
}

// SetupKeyboardHandlers sets up keyboard event handlers
func (ui *TviewImpl) SetupKeyboardHandlers(controller *Controller) {
	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyRune {
			if mode, ok := GetUIModeByKey(event.Rune()); ok {
				controller.OnModeChange(mode)
				return nil
			}
		}
		if event.Key() == tcell.KeyEscape {
			controller.OnEscapeKey()
			return nil
		}

		switch ui.currentMode {
		case UIModeSession:
			if ui.handleSessionKey(controller, event) {
				return nil
			}
		case UIModeHistory:
			if event.Key() == tcell.KeyTab {
				ui.cycleFocus(ui.historyTabs)
				return nil
			}
			if event.Key() == tcell.KeyRune && event.Rune() == 'l' {
				controller.RefreshHistory()
				return nil
			}
		}
		return event
	})
}

// handleSessionKey reports whether the key was consumed
func (ui *TviewImpl) handleSessionKey(c *Controller, event *tcell.EventKey) bool {
	switch event.Key() {
	case tcell.KeyUp:
		c.AdjustTargetReps(1)
		return true
	case tcell.KeyDown:
		c.AdjustTargetReps(-1)
		return true
	case tcell.KeyRune:
	default:
		return false
	}
	actions := map[rune]func(){
		' ': c.ToggleWorkout,
		'x': c.EndWorkout,
		'g': c.StartNextSet,
		'e': c.EndSet,
		'+': func() { c.AdjustWeight(1) },
		'=': func() { c.AdjustWeight(1) },
		'-': func() { c.AdjustWeight(-1) },
		'a': c.AddSet,
		'n': c.AddAnotherSet,
		'f': c.FinishExercise,
		's': c.SkipRest,
		'c': c.AcceptCompensatedRest,
		'r': c.CustomRest,
		'd': c.DismissPrompt,
	}
	action, ok := actions[event.Rune()]
	if !ok {
		return false
	}
	action()
	return true
}

func (ui *TviewImpl) cycleFocus(widgets []*tview.Box) {
	for i, w := range widgets {
		if w.HasFocus() {
			ui.app.SetFocus(widgets[(i+1)%len(widgets)])
			return
		}
	}
	if len(widgets) > 0 {
		ui.app.SetFocus(widgets[0])
	}
}

// SetMode switches the UI to the specified mode
func (ui *TviewImpl) SetMode(mode UIMode) {
	ui.currentMode = mode
	switch mode {
	case UIModeSession:
		ui.pages.SwitchToPage(pageSession)
		ui.app.SetFocus(ui.sessionPanel)
	case UIModeHistory:
		ui.pages.SwitchToPage(pageHistory)
		ui.app.SetFocus(ui.historyList)
	case UIModeLink:
		ui.pages.SwitchToPage(pageLink)
		ui.app.SetFocus(ui.linkPanel)
	}
}

func (ui *TviewImpl) GetLogViewHeight() int {
	_, _, _, height := ui.logView.GetInnerRect()
	return height
}

func (ui *TviewImpl) SetLogLines(lines []string) {
	ui.logView.Clear()
	ui.logView.SetText(tview.Escape(strings.Join(lines, "\n")))
}

func (ui *TviewImpl) UpdateSession(v session.View) {
	ui.sessionPanel.SetText(renderSession(v))
}

func (ui *TviewImpl) UpdateHistory(h HistoryState) {
	current := ui.historyList.GetCurrentItem()
	ui.historyList.Clear()
	for _, w := range h.Workouts {
		main, secondary := formatWorkoutItem(w)
		ui.historyList.AddItem(main, secondary, 0, nil)
	}
	if current < len(h.Workouts) {
		ui.historyList.SetCurrentItem(current)
	}
	ui.historyDetail.SetText(renderWorkoutSets(h))
}

func (ui *TviewImpl) UpdateLink(l LinkState) {
	ui.linkPanel.SetText(renderLink(l))
}

func (ui *TviewImpl) Draw() {
	ui.app.Draw()
}

// Run starts the UI and blocks until it exits
func (ui *TviewImpl) Run() error {
	// SetRoot must be called before setting focus, otherwise focus may be reset
	ui.app.SetRoot(ui.mainFlex, true)
	ui.SetMode(ui.currentMode)
	return ui.app.Run()
}

func (ui *TviewImpl) Stop() {
	ui.app.Stop()
}
