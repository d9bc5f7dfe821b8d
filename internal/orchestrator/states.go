package orchestrator

import (
	"encoding/json"
	"fmt"
)

// Stage identifies one step of the boot orchestration pipeline.
type Stage int

const (
	StageIdle Stage = iota
	StageDetecting
	StagePartitioning
	StageSecureBoot
	StageDriverResolution
	StageInitramfsBuild
	StageBootloaderInstall
	StageDone
	StageRecovery
)

func stageMapping() []string {
	return []string{
		"Idle",
		"Detecting",
		"Partitioning",
		"SecureBoot",
		"DriverResolution",
		"InitramfsBuild",
		"BootloaderInstall",
		"Done",
		"Recovery",
	}
}

func (s Stage) String() string {
	return stageMapping()[int(s)]
}

func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Stage) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for n, name := range stageMapping() {
		if name == str {
			*s = Stage(n)
			return nil
		}
	}
	return fmt.Errorf("invalid stage %q", str)
}

// Outcome is the recorded result of one attempted stage.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDegraded
	OutcomeFailed
	OutcomeAborted
)

func outcomeMapping() []string {
	return []string{"SUCCESS", "DEGRADED", "FAILED", "ABORTED"}
}

func (o Outcome) String() string {
	return outcomeMapping()[int(o)]
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Outcome) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for n, name := range outcomeMapping() {
		if name == str {
			*o = Outcome(n)
			return nil
		}
	}
	return fmt.Errorf("invalid outcome %q", str)
}
