package console

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
)

type prefsData struct {
	Mode              UIMode  `json:"mode"`
	PlanFile          string  `json:"plan_file,omitempty"`
	CustomRestSeconds int     `json:"custom_rest_seconds"`
	WeightStep        float64 `json:"weight_step"`
}

// Prefs persists console choices between runs. Failures are logged, not returned.
type Prefs struct {
	filePath string
	data     prefsData
	logger   *log.Logger
}

// DefaultPrefsPath is ~/.lift-sync/console.json
func DefaultPrefsPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".lift-sync", "console.json")
}

func NewPrefs(path string, logger *log.Logger) *Prefs {
	if logger == nil {
		panic("Prefs: logger cannot be nil")
	}
	p := &Prefs{filePath: path, logger: logger}
	p.load()
	return p
}

func (p *Prefs) Mode() UIMode { return p.data.Mode }

func (p *Prefs) SetMode(mode UIMode) {
	if p.data.Mode == mode {
		return
	}
	p.data.Mode = mode
	p.save()
}

// PlanFile is the last plan file loaded from the command line
func (p *Prefs) PlanFile() string { return p.data.PlanFile }

func (p *Prefs) SetPlanFile(path string) {
	if p.data.PlanFile == path {
		return
	}
	p.data.PlanFile = path
	p.save()
}

func (p *Prefs) CustomRestSeconds() int { return p.data.CustomRestSeconds }

func (p *Prefs) WeightStep() float64 { return p.data.WeightStep }

func defaultPrefs() prefsData {
	return prefsData{Mode: UIModeSession, CustomRestSeconds: DefaultCustomRestSeconds, WeightStep: WeightStep}
}

func (p *Prefs) load() {
	p.data = defaultPrefs()
	raw, err := os.ReadFile(p.filePath)
	if err != nil {
		p.logger.Printf("Prefs: load %s (no existing file)", p.filePath)
		return
	}
	if err := json.Unmarshal(raw, &p.data); err != nil {
		p.logger.Printf("Prefs: load %s failed to parse: %v", p.filePath, err)
		p.data = defaultPrefs()
		return
	}
	if _, ok := GetUIModeInfo(p.data.Mode); !ok {
		p.data.Mode = UIModeSession
	}
	if p.data.CustomRestSeconds <= 0 {
		p.data.CustomRestSeconds = DefaultCustomRestSeconds
	}
	if p.data.WeightStep <= 0 {
		p.data.WeightStep = WeightStep
	}
}

func (p *Prefs) save() {
	if err := os.MkdirAll(filepath.Dir(p.filePath), 0755); err != nil {
		p.logger.Printf("Prefs: save mkdir failed: %v", err)
		return
	}
	raw, err := json.MarshalIndent(p.data, "", "  ")
	if err != nil {
		p.logger.Printf("Prefs: save marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(p.filePath, raw, 0644); err != nil {
		p.logger.Printf("Prefs: save %s failed: %v", p.filePath, err)
	}
}
