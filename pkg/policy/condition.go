package policy

// ConditionKind discriminates the closed set of condition types.
// New kinds are added here and matched exhaustively in the evaluator;
// conditions are never open-ended maps.
type ConditionKind string

const (
	CondComplexity ConditionKind = "complexity"
	CondFilePath   ConditionKind = "file_path"
	CondAuthor     ConditionKind = "author"
	CondTimeWindow ConditionKind = "time_window"
	CondRepository ConditionKind = "repository"
	CondBranch     ConditionKind = "branch"
	CondLabel      ConditionKind = "label"
	CondAgent      ConditionKind = "agent"
	CondCustom     ConditionKind = "custom"
)

// Condition is a tagged union over the condition kinds. Exactly one of the
// kind-specific pointers is set, selected by Kind.
type Condition struct {
	Kind ConditionKind `json:"kind" yaml:"kind"`

	Complexity *ComplexityCondition `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	FilePath   *FilePathCondition   `json:"filePath,omitempty" yaml:"filePath,omitempty"`
	Author     *AuthorCondition     `json:"author,omitempty" yaml:"author,omitempty"`
	TimeWindow *TimeWindowCondition `json:"timeWindow,omitempty" yaml:"timeWindow,omitempty"`
	Repository *RepositoryCondition `json:"repository,omitempty" yaml:"repository,omitempty"`
	Branch     *BranchCondition     `json:"branch,omitempty" yaml:"branch,omitempty"`
	Label      *LabelCondition      `json:"label,omitempty" yaml:"label,omitempty"`
	Agent      *AgentCondition      `json:"agent,omitempty" yaml:"agent,omitempty"`
	Custom     *CustomCondition     `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// ComplexityCondition matches when the resource complexity meets the
// threshold. Threshold is bounded to [0,10] at validation time.
type ComplexityCondition struct {
	Threshold float64 `json:"threshold" yaml:"threshold" validate:"gte=0,lte=10"`
	Operator  string  `json:"operator,omitempty" yaml:"operator,omitempty" validate:"omitempty,oneof=gt gte lt lte"`
}

// FilePathCondition matches changed file paths against glob patterns.
type FilePathCondition struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// AuthorCondition matches the acting identity.
type AuthorCondition struct {
	IDs   []string `json:"ids,omitempty" yaml:"ids,omitempty"`
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Teams []string `json:"teams,omitempty" yaml:"teams,omitempty"`
}

// TimeWindowCondition matches wall-clock windows in a given timezone.
// Mode "during" matches inside the window, "outside" matches the complement.
type TimeWindowCondition struct {
	Days      []string `json:"days,omitempty" yaml:"days,omitempty"`
	StartHour int      `json:"startHour" yaml:"startHour" validate:"gte=0,lte=23"`
	EndHour   int      `json:"endHour" yaml:"endHour" validate:"gte=0,lte=23"`
	Timezone  string   `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Mode      string   `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=during outside"`
}

// RepositoryCondition matches the target repository.
type RepositoryCondition struct {
	Names      []string `json:"names,omitempty" yaml:"names,omitempty"` // exact or glob
	Visibility string   `json:"visibility,omitempty" yaml:"visibility,omitempty" validate:"omitempty,oneof=public private internal"`
}

// BranchCondition matches the target branch.
type BranchCondition struct {
	Names         []string `json:"names,omitempty" yaml:"names,omitempty"` // exact or glob
	ProtectedOnly bool     `json:"protectedOnly,omitempty" yaml:"protectedOnly,omitempty"`
}

// LabelMatchMode selects how a label condition combines its labels.
type LabelMatchMode string

const (
	LabelAny  LabelMatchMode = "any"
	LabelAll  LabelMatchMode = "all"
	LabelNone LabelMatchMode = "none"
)

// LabelCondition matches labels attached to the evaluation context.
type LabelCondition struct {
	Labels []string       `json:"labels" yaml:"labels" validate:"min=1"`
	Mode   LabelMatchMode `json:"mode" yaml:"mode" validate:"oneof=any all none"`
}

// AgentCondition matches the agent type and a minimum confidence.
type AgentCondition struct {
	Types         []string `json:"types,omitempty" yaml:"types,omitempty"`
	MinConfidence float64  `json:"minConfidence,omitempty" yaml:"minConfidence,omitempty" validate:"gte=0,lte=1"`
}

// CustomOperator enumerates the comparators available to CustomCondition.
type CustomOperator string

const (
	OpEq       CustomOperator = "eq"
	OpNe       CustomOperator = "ne"
	OpGt       CustomOperator = "gt"
	OpGte      CustomOperator = "gte"
	OpLt       CustomOperator = "lt"
	OpLte      CustomOperator = "lte"
	OpIn       CustomOperator = "in"
	OpNin      CustomOperator = "nin"
	OpContains CustomOperator = "contains"
	OpMatches  CustomOperator = "matches"
	OpGlob     CustomOperator = "glob"
	OpExists   CustomOperator = "exists"
)

// CustomCondition compares an open context field against a value.
type CustomCondition struct {
	Field    string         `json:"field" yaml:"field" validate:"required"`
	Operator CustomOperator `json:"operator" yaml:"operator" validate:"oneof=eq ne gt gte lt lte in nin contains matches glob exists"`
	Value    any            `json:"value,omitempty" yaml:"value,omitempty"`
}
