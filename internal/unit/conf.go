package unit

import (
	"time"

	"github.com/loykin/unitd/internal/unitfile"
)

// Conf is the parsed [Unit] and [Install] sections of a unit file. It is
// persisted on every load so recovery never re-parses files.
type Conf struct {
	Description   string   `json:"description,omitempty"`
	Documentation []string `json:"documentation,omitempty"`

	Wants     []string `json:"wants,omitempty"`
	Requires  []string `json:"requires,omitempty"`
	BindsTo   []string `json:"binds_to,omitempty"`
	Requisite []string `json:"requisite,omitempty"`
	PartOf    []string `json:"part_of,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
	Before    []string `json:"before,omitempty"`
	After     []string `json:"after,omitempty"`
	OnFailure []string `json:"on_failure,omitempty"`
	OnSuccess []string `json:"on_success,omitempty"`

	DefaultDependencies bool          `json:"default_dependencies"`
	StartLimitInterval  time.Duration `json:"start_limit_interval"`
	StartLimitBurst     uint          `json:"start_limit_burst"`

	WantedBy   []string `json:"wanted_by,omitempty"`
	RequiredBy []string `json:"required_by,omitempty"`
	Alias      []string `json:"alias,omitempty"`
}

type unitSection struct {
	Description         string
	Documentation       []string
	Wants               []string
	Requires            []string
	BindsTo             []string
	Requisite           []string
	PartOf              []string
	Conflicts           []string
	Before              []string
	After               []string
	OnFailure           []string
	OnSuccess           []string
	DefaultDependencies *bool
	StartLimitInterval  *time.Duration
	StartLimitBurst     *uint
}

type installSection struct {
	WantedBy   []string
	RequiredBy []string
	Alias      []string
}

// parseConf decodes the generic sections; missing start limit fields fall
// back to the manager defaults.
func parseConf(f *unitfile.File, defInterval time.Duration, defBurst uint) (Conf, error) {
	var us unitSection
	if err := f.Decode("Unit", &us); err != nil {
		return Conf{}, err
	}
	var is installSection
	if err := f.Decode("Install", &is); err != nil {
		return Conf{}, err
	}
	c := Conf{
		Description:         us.Description,
		Documentation:       us.Documentation,
		Wants:               us.Wants,
		Requires:            us.Requires,
		BindsTo:             us.BindsTo,
		Requisite:           us.Requisite,
		PartOf:              us.PartOf,
		Conflicts:           us.Conflicts,
		Before:              us.Before,
		After:               us.After,
		OnFailure:           us.OnFailure,
		OnSuccess:           us.OnSuccess,
		DefaultDependencies: true,
		StartLimitInterval:  defInterval,
		StartLimitBurst:     defBurst,
		WantedBy:            is.WantedBy,
		RequiredBy:          is.RequiredBy,
		Alias:               is.Alias,
	}
	if us.DefaultDependencies != nil {
		c.DefaultDependencies = *us.DefaultDependencies
	}
	if us.StartLimitInterval != nil {
		c.StartLimitInterval = *us.StartLimitInterval
	}
	if us.StartLimitBurst != nil {
		c.StartLimitBurst = *us.StartLimitBurst
	}
	return c, nil
}

type confEdge struct {
	rel Relation
	ids []string
}

// edges lists the dependencies the unit declares on others. WantedBy and
// RequiredBy are applied from the other side: the target wants this unit.
func (c *Conf) edges() []confEdge {
	return []confEdge{
		{RelWants, c.Wants},
		{RelRequires, c.Requires},
		{RelBindsTo, c.BindsTo},
		{RelRequisite, c.Requisite},
		{RelPartOf, c.PartOf},
		{RelConflicts, c.Conflicts},
		{RelBefore, c.Before},
		{RelAfter, c.After},
		{RelOnFailure, c.OnFailure},
		{RelOnSuccess, c.OnSuccess},
		{RelWantedBy, c.WantedBy},
		{RelRequiredBy, c.RequiredBy},
	}
}
