package syncer

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

// The backlog document carries its structured story list inside a fenced
// block; everything outside the fences belongs to the operator and is never
// touched.
const (
	backlogBegin = "<!-- stagehand:backlog -->"
	backlogEnd   = "<!-- /stagehand:backlog -->"

	stateBegin = "<!-- stagehand:state -->"
	stateEnd   = "<!-- /stagehand:state -->"
)

// entryPattern matches one backlog line: "- [>] STORY-1 !p2 title".
// Status markers: space = pending, > = active, x = done.
var entryPattern = regexp.MustCompile(`^- \[([ >x])\] (\S+)(?:\s+!p(\d+))?(?:\s+(.*))?$`)

// backlogEntry is one parsed story line.
type backlogEntry struct {
	ID       string
	Title    string
	Priority int
	Status   workflow.StoryStatus
}

func statusForMarker(marker string) workflow.StoryStatus {
	switch marker {
	case ">":
		return workflow.StoryActive
	case "x":
		return workflow.StoryDone
	default:
		return workflow.StoryPending
	}
}

func markerForStatus(status workflow.StoryStatus) string {
	switch status {
	case workflow.StoryActive:
		return ">"
	case workflow.StoryDone:
		return "x"
	default:
		return " "
	}
}

// parseBacklog extracts story entries from the fenced block of a backlog
// document. Lines outside the fences and non-matching lines inside are
// ignored.
func parseBacklog(content string) ([]backlogEntry, error) {
	var entries []backlogEntry
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch trimmed {
		case backlogBegin:
			inBlock = true
			continue
		case backlogEnd:
			inBlock = false
			continue
		}
		if !inBlock {
			continue
		}
		m := entryPattern.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		e := backlogEntry{
			ID:     m[2],
			Status: statusForMarker(m[1]),
			Title:  strings.TrimSpace(m[4]),
		}
		if m[3] != "" {
			p, err := strconv.Atoi(m[3])
			if err != nil {
				return nil, fmt.Errorf("invalid priority on %s: %w", e.ID, err)
			}
			e.Priority = p
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// renderBacklogBlock renders the fenced story block from state, ordered by
// priority (ascending, zero last) then id.
func renderBacklogBlock(st *workflow.WorkflowState) string {
	stories := make([]*workflow.Story, 0, len(st.Stories))
	for _, s := range st.Stories {
		stories = append(stories, s)
	}
	sort.Slice(stories, func(i, j int) bool {
		pi, pj := stories[i].Priority, stories[j].Priority
		if pi == 0 {
			pi = 1 << 30
		}
		if pj == 0 {
			pj = 1 << 30
		}
		if pi != pj {
			return pi < pj
		}
		return stories[i].ID < stories[j].ID
	})

	var b strings.Builder
	b.WriteString(backlogBegin + "\n")
	for _, s := range stories {
		b.WriteString("- [" + markerForStatus(s.Status) + "] " + s.ID)
		if s.Priority > 0 {
			fmt.Fprintf(&b, " !p%d", s.Priority)
		}
		if s.Title != "" {
			b.WriteString(" " + s.Title)
		}
		b.WriteString("\n")
	}
	b.WriteString(backlogEnd)
	return b.String()
}

// replaceBlock swaps the fenced region of content for block, or appends the
// block when the fences are absent. Content outside the fences is preserved
// byte for byte.
func replaceBlock(content, begin, end, block string) string {
	startIdx := strings.Index(content, begin)
	endIdx := strings.Index(content, end)
	if startIdx == -1 || endIdx == -1 || endIdx < startIdx {
		if content == "" {
			return block + "\n"
		}
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		return content + "\n" + block + "\n"
	}
	return content[:startIdx] + block + content[endIdx+len(end):]
}

// applyBacklogToState folds parsed entries into state: stories are upserted
// (id is a foreign key, never rewritten) and the active story list follows
// the file's order.
func applyBacklogToState(st *workflow.WorkflowState, entries []backlogEntry) {
	if st.Stories == nil {
		st.Stories = make(map[string]*workflow.Story)
	}
	var active []string
	for _, e := range entries {
		story, ok := st.Stories[e.ID]
		if !ok {
			story = &workflow.Story{ID: e.ID}
			st.Stories[e.ID] = story
		}
		story.Title = e.Title
		story.Priority = e.Priority
		story.Status = e.Status
		if e.Status == workflow.StoryActive {
			active = append(active, e.ID)
		}
	}
	st.ActiveStoryIDs = active
}

// renderStateBlock renders the managed block written into the free-form
// memory document.
func renderStateBlock(st *workflow.WorkflowState) string {
	var b strings.Builder
	b.WriteString(stateBegin + "\n")
	fmt.Fprintf(&b, "project: %s\n", st.ProjectID)
	fmt.Fprintf(&b, "stage: %s\n", st.CurrentStage)
	if st.CurrentSprintID != "" {
		fmt.Fprintf(&b, "sprint: %s\n", st.CurrentSprintID)
	}
	if len(st.ActiveStoryIDs) > 0 {
		fmt.Fprintf(&b, "active: %s\n", strings.Join(st.ActiveStoryIDs, ", "))
	}
	fmt.Fprintf(&b, "updated: %s\n", st.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	b.WriteString(stateEnd)
	return b.String()
}
