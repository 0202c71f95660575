// Package warmup holds the phase model of the warmup pipeline: the closed set of
// phase types, their ordering and prerequisite graph, the content each phase
// consumes, and the pure rules that decide legal state changes.
package warmup

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownPhase is returned when a phase name is not part of the catalog
var ErrUnknownPhase = errors.New("unknown warmup phase")

// PhaseType identifies one step of the warmup sequence
type PhaseType string

const (
	PhaseManualSetup    PhaseType = "manual_setup"
	PhaseBio            PhaseType = "bio"
	PhaseGender         PhaseType = "gender"
	PhaseName           PhaseType = "name"
	PhaseUsername       PhaseType = "username"
	PhaseProfilePicture PhaseType = "profile_picture"
	PhaseFirstHighlight PhaseType = "first_highlight"
	PhaseNewHighlight   PhaseType = "new_highlight"
	PhasePostCaption    PhaseType = "post_caption"
	PhasePostNoCaption  PhaseType = "post_no_caption"
	PhaseStoryNoCaption PhaseType = "story_no_caption"
	PhaseSetToPrivate   PhaseType = "set_to_private"
)

// Status is the state of a single phase row
type Status string

const (
	StatusPending    Status = "pending"
	StatusAvailable  Status = "available"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no automatic transition leaves this status.
// Failed rows only move again through an operator requeue.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped || s == StatusFailed
}

// Done reports whether the status satisfies a successor's prerequisite
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Open reports whether the row still counts as outstanding work
func (s Status) Open() bool {
	return s == StatusPending || s == StatusAvailable || s == StatusInProgress
}

// OpenStatuses lists the statuses forced to skipped when an account is archived
var OpenStatuses = []Status{StatusPending, StatusAvailable, StatusInProgress}

// ContentKind distinguishes pooled media from pooled text
type ContentKind string

const (
	KindMedia ContentKind = "media"
	KindText  ContentKind = "text"
)

// Category is a content pool label
type Category string

const (
	CategoryPFP       Category = "pfp"
	CategoryBio       Category = "bio"
	CategoryName      Category = "name"
	CategoryUsername  Category = "username"
	CategoryHighlight Category = "highlight"
	CategoryPost      Category = "post"
	CategoryStory     Category = "story"
)

// ContentNeed describes one content slot a phase consumes.
// Categories are tried as one pool; any item tagged with one of them matches.
type ContentNeed struct {
	Kind       ContentKind
	Categories []Category
	// Strict exclusivity is enforced by the store, not only at selection time
	Strict bool
}

// PhaseSpec is the static definition of a phase type
type PhaseSpec struct {
	Type          PhaseType
	Order         int
	Prerequisites []PhaseType
	Media         *ContentNeed
	Text          *ContentNeed
	// FixedText is passed to the actuator instead of a pooled text item
	FixedText string
	// Manual phases are completed by an operator and never executed by the scheduler
	Manual bool
	// Optional phases never block warmup completion
	Optional bool
}

// NeedsContent reports whether the phase consumes any pooled item
func (s PhaseSpec) NeedsContent() bool {
	return s.Media != nil || s.Text != nil
}

func media(cats ...Category) *ContentNeed { return &ContentNeed{Kind: KindMedia, Categories: cats} }
func text(cats ...Category) *ContentNeed  { return &ContentNeed{Kind: KindText, Categories: cats} }

// catalog is the prerequisite graph and ordering of the warmup sequence
var catalog = []PhaseSpec{
	{Type: PhaseManualSetup, Order: 1, Manual: true},
	{Type: PhaseBio, Order: 2, Prerequisites: []PhaseType{PhaseManualSetup}, Text: text(CategoryBio)},
	{Type: PhaseGender, Order: 3, Prerequisites: []PhaseType{PhaseBio}},
	{Type: PhaseName, Order: 4, Prerequisites: []PhaseType{PhaseGender}, Text: text(CategoryName, CategoryBio)},
	{Type: PhaseUsername, Order: 5, Prerequisites: []PhaseType{PhaseName},
		Text: &ContentNeed{Kind: KindText, Categories: []Category{CategoryUsername}, Strict: true}},
	{Type: PhaseProfilePicture, Order: 6, Prerequisites: []PhaseType{PhaseUsername}, Media: media(CategoryPFP)},
	{Type: PhaseFirstHighlight, Order: 7, Prerequisites: []PhaseType{PhaseProfilePicture},
		Media: media(CategoryHighlight), FixedText: "Me"},
	{Type: PhaseNewHighlight, Order: 8, Prerequisites: []PhaseType{PhaseFirstHighlight},
		Media: media(CategoryHighlight), Text: text(CategoryHighlight), Optional: true},
	{Type: PhasePostCaption, Order: 9, Prerequisites: []PhaseType{PhaseFirstHighlight},
		Media: media(CategoryPost), Text: text(CategoryPost)},
	{Type: PhasePostNoCaption, Order: 10, Prerequisites: []PhaseType{PhasePostCaption}, Media: media(CategoryPost)},
	{Type: PhaseStoryNoCaption, Order: 11, Prerequisites: []PhaseType{PhasePostNoCaption}, Media: media(CategoryStory)},
	{Type: PhaseSetToPrivate, Order: 12, Prerequisites: []PhaseType{PhaseStoryNoCaption}},
}

var byType = func() map[PhaseType]PhaseSpec {
	m := make(map[PhaseType]PhaseSpec, len(catalog))
	for _, s := range catalog {
		m[s.Type] = s
	}
	return m
}()

// Catalog returns every phase spec ordered by phase order
func Catalog() []PhaseSpec {
	out := make([]PhaseSpec, len(catalog))
	copy(out, catalog)
	return out
}

// Spec returns the definition of a phase type
func Spec(t PhaseType) (PhaseSpec, error) {
	s, ok := byType[t]
	if !ok {
		return PhaseSpec{}, fmt.Errorf("%w: %q", ErrUnknownPhase, t)
	}
	return s, nil
}

// ParsePhase validates a phase name coming from outside the process
func ParsePhase(name string) (PhaseType, error) {
	t := PhaseType(name)
	if _, err := Spec(t); err != nil {
		return "", err
	}
	return t, nil
}

// Successors returns the phases that list t as a prerequisite
func Successors(t PhaseType) []PhaseType {
	var out []PhaseType
	for _, s := range catalog {
		for _, p := range s.Prerequisites {
			if p == t {
				out = append(out, s.Type)
				break
			}
		}
	}
	return out
}

// ManualPhases lists the phase types an operator completes by hand
func ManualPhases() []PhaseType {
	var out []PhaseType
	for _, s := range catalog {
		if s.Manual {
			out = append(out, s.Type)
		}
	}
	return out
}

// PhasesSharing returns every phase type that draws from the same pool as need.
// Exclusivity is evaluated across all of them.
func PhasesSharing(need ContentNeed) []PhaseType {
	var out []PhaseType
	for _, s := range catalog {
		for _, other := range []*ContentNeed{s.Media, s.Text} {
			if other != nil && other.Kind == need.Kind && overlaps(other.Categories, need.Categories) {
				out = append(out, s.Type)
				break
			}
		}
	}
	return out
}

func overlaps(a, b []Category) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// PrerequisitesMet reports whether every prerequisite of t is completed or skipped
func PrerequisitesMet(t PhaseType, statuses map[PhaseType]Status) bool {
	s, ok := byType[t]
	if !ok {
		return false
	}
	for _, p := range s.Prerequisites {
		if !statuses[p].Done() {
			return false
		}
	}
	return true
}

// IsWarmupComplete is true when every non-optional phase is completed or skipped
func IsWarmupComplete(statuses map[PhaseType]Status) bool {
	for _, s := range catalog {
		if s.Optional {
			continue
		}
		if !statuses[s.Type].Done() {
			return false
		}
	}
	return true
}

// Seed is a phase row to create when an account enters warmup
type Seed struct {
	Phase       PhaseType
	Order       int
	AvailableAt *time.Time
}

// Seeds returns one pending row per phase type. Phases without prerequisites
// become eligible at now; the rest wait for their predecessors.
func Seeds(now time.Time) []Seed {
	out := make([]Seed, 0, len(catalog))
	for _, s := range catalog {
		seed := Seed{Phase: s.Type, Order: s.Order}
		if len(s.Prerequisites) == 0 {
			at := now
			seed.AvailableAt = &at
		}
		out = append(out, seed)
	}
	return out
}
