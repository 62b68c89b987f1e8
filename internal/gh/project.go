package gh

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/papapumpkin/slaps/internal/task"
)

// Field names on the project board.
const (
	FieldState   = "slaps-state"
	FieldWorker  = "slaps-worker"
	FieldAttempt = "slaps-attempt-count"
	FieldWave    = "slaps-wave"
)

// StateOptions are the required options of the slaps-state single select.
var StateOptions = []string{
	string(task.StateOpen), string(task.StateBlocked), string(task.StateClaimed),
	string(task.StateClosed), string(task.StateFailure), string(task.StateDead),
}

// Project identifies a ProjectV2 board.
type Project struct {
	Owner  string
	Number int
	ID     string
	Title  string
}

// Field is one project field, with option name to id mapping for single
// selects.
type Field struct {
	ID       string
	Name     string
	DataType string
	Options  map[string]string
}

// Item is a normalized project item: the issue it fronts plus its field
// values by name.
type Item struct {
	ID     string            `json:"id"`
	Issue  int               `json:"issue"`
	Fields map[string]string `json:"fields"`
}

// EnsureProject finds the titled project for the repo owner, creating it if
// absent.
func (c *Client) EnsureProject(ctx context.Context, title string) (Project, error) {
	owner, err := c.RepoOwner(ctx)
	if err != nil {
		return Project{}, err
	}
	out, err := c.run(ctx, "project", "list", "--owner", owner, "--format", "json")
	if err != nil {
		return Project{}, err
	}
	var listed struct {
		Projects []struct {
			Number int    `json:"number"`
			ID     string `json:"id"`
			Title  string `json:"title"`
		} `json:"projects"`
	}
	// gh emits either a bare array or an object with a projects key
	// depending on version; accept both.
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		if err2 := json.Unmarshal([]byte(out), &listed.Projects); err2 != nil {
			return Project{}, fmt.Errorf("gh: parse project list: %w", err)
		}
	}
	for _, p := range listed.Projects {
		if p.Title == title {
			return Project{Owner: owner, Number: p.Number, ID: p.ID, Title: title}, nil
		}
	}

	out, err = c.run(ctx, "project", "create", "--owner", owner, "--title", title, "--format", "json")
	if err != nil {
		return Project{}, err
	}
	var created struct {
		Number int    `json:"number"`
		ID     string `json:"id"`
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		return Project{}, fmt.Errorf("gh: parse project create: %w", err)
	}
	return Project{Owner: owner, Number: created.Number, ID: created.ID, Title: title}, nil
}

type rawField struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	DataType string `json:"dataType"`
	Options  []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"options"`
}

func (rf rawField) toField() Field {
	f := Field{ID: rf.ID, Name: rf.Name, DataType: rf.DataType}
	if len(rf.Options) > 0 {
		f.Options = make(map[string]string, len(rf.Options))
		for _, o := range rf.Options {
			f.Options[o.Name] = o.ID
		}
	}
	return f
}

// EnsureFields creates the slaps fields on the project if missing and
// validates that the state single select carries every required option.
// A state field missing options is a hard startup error: mutating through
// an incomplete enumeration would wedge tasks in unreachable states.
func (c *Client) EnsureFields(ctx context.Context, project Project) (map[string]Field, error) {
	out, err := c.run(ctx, "project", "field-list", strconv.Itoa(project.Number), "--owner", project.Owner, "--format", "json")
	if err != nil {
		return nil, err
	}
	var listed struct {
		Fields []rawField `json:"fields"`
	}
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		if err2 := json.Unmarshal([]byte(out), &listed.Fields); err2 != nil {
			return nil, fmt.Errorf("gh: parse field list: %w", err)
		}
	}
	existing := make(map[string]rawField, len(listed.Fields))
	for _, f := range listed.Fields {
		existing[f.Name] = f
	}

	mk := func(name, dataType string, options []string) (Field, error) {
		if f, ok := existing[name]; ok {
			return f.toField(), nil
		}
		args := []string{
			"project", "field-create", strconv.Itoa(project.Number), "--owner", project.Owner,
			"--name", name, "--data-type", dataType,
		}
		if dataType == "SINGLE_SELECT" && len(options) > 0 {
			args = append(args, "--single-select-options", strings.Join(options, ","))
		}
		out, err := c.run(ctx, append(args, "--format", "json")...)
		if err != nil {
			return Field{}, err
		}
		var rf rawField
		if err := json.Unmarshal([]byte(out), &rf); err != nil {
			return Field{}, fmt.Errorf("gh: parse field create %s: %w", name, err)
		}
		return rf.toField(), nil
	}

	fields := make(map[string]Field, 4)
	if fields[FieldState], err = mk(FieldState, "SINGLE_SELECT", StateOptions); err != nil {
		return nil, err
	}
	for _, name := range []string{FieldWorker, FieldAttempt, FieldWave} {
		if fields[name], err = mk(name, "NUMBER", nil); err != nil {
			return nil, err
		}
	}

	var missing []string
	st := fields[FieldState]
	for _, opt := range StateOptions {
		if _, ok := st.Options[opt]; !ok {
			missing = append(missing, opt)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("gh: %s field missing options: %v", FieldState, missing)
	}
	return fields, nil
}

// EnsureLabels creates any of the given repo labels that do not exist.
func (c *Client) EnsureLabels(ctx context.Context, labels []string) error {
	have := make(map[string]bool)
	out, err := c.run(ctx, "label", "list", "--json", "name")
	if err == nil {
		var listed []struct {
			Name string `json:"name"`
		}
		if json.Unmarshal([]byte(out), &listed) == nil {
			for _, l := range listed {
				have[l.Name] = true
			}
		}
	}
	for _, lab := range labels {
		if have[lab] {
			continue
		}
		color := "f9d0c4"
		switch {
		case strings.HasSuffix(lab, "wip"):
			color = "bfd4f2"
		case strings.HasSuffix(lab, "did-it"):
			color = "c2f0c2"
		}
		// Best effort; an existing label races to "already exists".
		_, _ = c.run(ctx, "label", "create", lab, "--color", color)
	}
	return nil
}

// IssueNodeID resolves an issue number to its GraphQL node id.
func (c *Client) IssueNodeID(ctx context.Context, issue int) (string, error) {
	out, err := c.run(ctx, c.issueArgs("issue", "view", strconv.Itoa(issue), "--json", "id", "--jq", ".id")...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// EnsureIssueInProject adds the issue to the project if absent and returns
// the item id either way.
func (c *Client) EnsureIssueInProject(ctx context.Context, project Project, issue int) (string, error) {
	if id, err := c.FindItemByIssue(ctx, project, issue); err == nil && id != "" {
		return id, nil
	}
	contentID, err := c.IssueNodeID(ctx, issue)
	if err != nil {
		return "", err
	}
	out, err := c.run(ctx, "project", "item-add", "--project-id", project.ID, "--content-id", contentID, "--format", "json")
	if err != nil {
		return "", err
	}
	var added struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(out), &added); err != nil {
		return "", fmt.Errorf("gh: parse item-add: %w", err)
	}
	return added.ID, nil
}

// FindItemByIssue returns the item id fronting the issue, or empty.
func (c *Client) FindItemByIssue(ctx context.Context, project Project, issue int) (string, error) {
	items, err := c.ListItems(ctx, project)
	if err != nil {
		return "", err
	}
	for _, it := range items {
		if it.Issue == issue {
			return it.ID, nil
		}
	}
	return "", nil
}

func (c *Client) editItemField(ctx context.Context, project Project, itemID string, field Field, flag, value string) error {
	_, err := c.run(ctx,
		"project", "item-edit",
		"--id", itemID,
		"--field-id", field.ID,
		"--project-id", project.ID,
		"--"+flag, value,
	)
	return err
}

// SetItemNumber sets a numeric field on an item.
func (c *Client) SetItemNumber(ctx context.Context, project Project, itemID string, field Field, value float64) error {
	return c.editItemField(ctx, project, itemID, field, "number", strconv.FormatFloat(value, 'f', -1, 64))
}

// SetItemSingleSelect sets a single-select field to the named option.
func (c *Client) SetItemSingleSelect(ctx context.Context, project Project, itemID string, field Field, option string) error {
	optID, ok := field.Options[option]
	if !ok {
		return fmt.Errorf("gh: unknown option %q for field %s", option, field.Name)
	}
	return c.editItemField(ctx, project, itemID, field, "single-select-option-id", optID)
}
