package gh

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

const listItemsQuery = `
query($owner:String!, $number:Int!, $after:String) {
  user(login:$owner) {
    projectV2(number:$number) {
      items(first:100, after:$after) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          content { ... on Issue { number } }
          fieldValues(first:50) {
            nodes {
              ... on ProjectV2ItemFieldSingleSelectValue { field { ... on ProjectV2SingleSelectField { name } } name }
              ... on ProjectV2ItemFieldNumberValue { field { ... on ProjectV2Field { name } } number }
              ... on ProjectV2ItemFieldTextValue { field { ... on ProjectV2Field { name } } text }
            }
          }
        }
      }
    }
  }
  organization(login:$owner) {
    projectV2(number:$number) {
      items(first:100, after:$after) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          content { ... on Issue { number } }
          fieldValues(first:50) {
            nodes {
              ... on ProjectV2ItemFieldSingleSelectValue { field { ... on ProjectV2SingleSelectField { name } } name }
              ... on ProjectV2ItemFieldNumberValue { field { ... on ProjectV2Field { name } } number }
              ... on ProjectV2ItemFieldTextValue { field { ... on ProjectV2Field { name } } text }
            }
          }
        }
      }
    }
  }
}`

type itemsPage struct {
	PageInfo struct {
		HasNextPage bool   `json:"hasNextPage"`
		EndCursor   string `json:"endCursor"`
	} `json:"pageInfo"`
	Nodes []struct {
		ID      string `json:"id"`
		Content struct {
			Number int `json:"number"`
		} `json:"content"`
		FieldValues struct {
			Nodes []struct {
				Field struct {
					Name string `json:"name"`
				} `json:"field"`
				Name   *string  `json:"name"`
				Number *float64 `json:"number"`
				Text   *string  `json:"text"`
			} `json:"nodes"`
		} `json:"fieldValues"`
	} `json:"nodes"`
}

func (c *Client) graphql(ctx context.Context, query string, variables map[string]any) ([]byte, error) {
	vars, err := json.Marshal(variables)
	if err != nil {
		return nil, fmt.Errorf("gh: marshal variables: %w", err)
	}
	out, err := c.run(ctx, "api", "graphql",
		"-f", "query="+query,
		"-f", "variables="+string(vars),
	)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// ListItems pages through every project item and normalizes field values to
// strings. The owner is tried both as a user and as an organization.
func (c *Client) ListItems(ctx context.Context, project Project) ([]Item, error) {
	var items []Item
	var cursor *string
	for {
		raw, err := c.graphql(ctx, listItemsQuery, map[string]any{
			"owner": project.Owner, "number": project.Number, "after": cursor,
		})
		if err != nil {
			return c.listItemsCLI(ctx, project)
		}
		var resp struct {
			Data struct {
				User struct {
					ProjectV2 *struct {
						Items itemsPage `json:"items"`
					} `json:"projectV2"`
				} `json:"user"`
				Organization struct {
					ProjectV2 *struct {
						Items itemsPage `json:"items"`
					} `json:"projectV2"`
				} `json:"organization"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("gh: parse items page: %w", err)
		}
		pv := resp.Data.User.ProjectV2
		if pv == nil {
			pv = resp.Data.Organization.ProjectV2
		}
		if pv == nil {
			return items, nil
		}
		for _, n := range pv.Items.Nodes {
			it := Item{ID: n.ID, Issue: n.Content.Number, Fields: make(map[string]string)}
			for _, fv := range n.FieldValues.Nodes {
				switch {
				case fv.Name != nil && fv.Field.Name != "":
					it.Fields[fv.Field.Name] = *fv.Name
				case fv.Number != nil:
					it.Fields[fv.Field.Name] = strconv.FormatFloat(*fv.Number, 'f', -1, 64)
				case fv.Text != nil:
					it.Fields[fv.Field.Name] = *fv.Text
				}
			}
			items = append(items, it)
		}
		if !pv.Items.PageInfo.HasNextPage {
			return items, nil
		}
		cursor = &pv.Items.PageInfo.EndCursor
	}
}

// listItemsCLI is the small-project fallback when the GraphQL query fails.
func (c *Client) listItemsCLI(ctx context.Context, project Project) ([]Item, error) {
	out, err := c.run(ctx, "project", "item-list", strconv.Itoa(project.Number),
		"--owner", project.Owner, "--format", "json", "-L", "200")
	if err != nil {
		return nil, err
	}
	var listed struct {
		Items []struct {
			ID      string `json:"id"`
			Content struct {
				Number int `json:"number"`
			} `json:"content"`
		} `json:"items"`
	}
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		if err2 := json.Unmarshal([]byte(out), &listed.Items); err2 != nil {
			return nil, fmt.Errorf("gh: parse item-list: %w", err)
		}
	}
	items := make([]Item, 0, len(listed.Items))
	for _, it := range listed.Items {
		items = append(items, Item{ID: it.ID, Issue: it.Content.Number, Fields: map[string]string{}})
	}
	return items, nil
}

const waveIssuesQuery = `
query($owner:String!, $name:String!, $label:String!, $after:String) {
  repository(owner:$owner, name:$name) {
    issues(first:100, after:$after, labels: [$label], states:[OPEN,CLOSED]) {
      pageInfo { hasNextPage endCursor }
      nodes { number }
    }
  }
}`

// ListIssuesForWave returns the issue numbers labeled milestone::M<wave>.
func (c *Client) ListIssuesForWave(ctx context.Context, wave int) ([]int, error) {
	owner, err := c.RepoOwner(ctx)
	if err != nil {
		return nil, err
	}
	name, err := c.RepoName(ctx)
	if err != nil {
		return nil, err
	}
	label := fmt.Sprintf("milestone::M%d", wave)

	var nums []int
	var cursor *string
	for {
		raw, err := c.graphql(ctx, waveIssuesQuery, map[string]any{
			"owner": owner, "name": name, "label": label, "after": cursor,
		})
		if err != nil {
			// Fallback reaches open issues only.
			out, err := c.run(ctx, c.issueArgs("issue", "list", "--label", label, "--json", "number")...)
			if err != nil {
				return nil, err
			}
			var listed []struct {
				Number int `json:"number"`
			}
			if err := json.Unmarshal([]byte(out), &listed); err != nil {
				return nil, fmt.Errorf("gh: parse issue list: %w", err)
			}
			for _, l := range listed {
				nums = append(nums, l.Number)
			}
			return nums, nil
		}
		var resp struct {
			Data struct {
				Repository struct {
					Issues struct {
						PageInfo struct {
							HasNextPage bool   `json:"hasNextPage"`
							EndCursor   string `json:"endCursor"`
						} `json:"pageInfo"`
						Nodes []struct {
							Number int `json:"number"`
						} `json:"nodes"`
					} `json:"issues"`
				} `json:"repository"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("gh: parse wave issues: %w", err)
		}
		for _, n := range resp.Data.Repository.Issues.Nodes {
			nums = append(nums, n.Number)
		}
		if !resp.Data.Repository.Issues.PageInfo.HasNextPage {
			return nums, nil
		}
		cursor = &resp.Data.Repository.Issues.PageInfo.EndCursor
	}
}

const blockersQuery = `
query($owner:String!, $name:String!, $number:Int!, $after:String) {
  repository(owner:$owner, name:$name) {
    issue(number:$number) {
      blockedBy(first:100, after:$after) {
        pageInfo { hasNextPage endCursor }
        nodes { number }
      }
    }
  }
}`

// GetBlockers returns the server-side blockedBy set for an issue. An API
// failure reads as unknown (empty, no error) so callers fall back to other
// sources.
func (c *Client) GetBlockers(ctx context.Context, issue int) ([]int, error) {
	owner, err := c.RepoOwner(ctx)
	if err != nil {
		return nil, err
	}
	name, err := c.RepoName(ctx)
	if err != nil {
		return nil, err
	}

	var nums []int
	var cursor *string
	for {
		raw, err := c.graphql(ctx, blockersQuery, map[string]any{
			"owner": owner, "name": name, "number": issue, "after": cursor,
		})
		if err != nil {
			return nil, nil
		}
		var resp struct {
			Data struct {
				Repository struct {
					Issue struct {
						BlockedBy struct {
							PageInfo struct {
								HasNextPage bool   `json:"hasNextPage"`
								EndCursor   string `json:"endCursor"`
							} `json:"pageInfo"`
							Nodes []struct {
								Number int `json:"number"`
							} `json:"nodes"`
						} `json:"blockedBy"`
					} `json:"issue"`
				} `json:"repository"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("gh: parse blockers: %w", err)
		}
		bb := resp.Data.Repository.Issue.BlockedBy
		for _, n := range bb.Nodes {
			nums = append(nums, n.Number)
		}
		if !bb.PageInfo.HasNextPage {
			return nums, nil
		}
		cursor = &bb.PageInfo.EndCursor
	}
}

// FetchIssue returns the raw JSON for one issue.
func (c *Client) FetchIssue(ctx context.Context, issue int) ([]byte, error) {
	out, err := c.run(ctx, c.issueArgs("issue", "view", strconv.Itoa(issue),
		"--json", "number,title,body,labels,url,state")...)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// AddLabel adds a repo label to an issue, best effort.
func (c *Client) AddLabel(ctx context.Context, issue int, label string) error {
	_, err := c.run(ctx, c.issueArgs("issue", "edit", strconv.Itoa(issue), "--add-label", label)...)
	return err
}

// RemoveLabel removes a repo label from an issue, best effort.
func (c *Client) RemoveLabel(ctx context.Context, issue int, label string) error {
	_, err := c.run(ctx, c.issueArgs("issue", "edit", strconv.Itoa(issue), "--remove-label", label)...)
	return err
}

// AddComment posts a markdown comment on an issue.
func (c *Client) AddComment(ctx context.Context, issue int, body string) error {
	_, err := c.run(ctx, c.issueArgs("issue", "comment", strconv.Itoa(issue), "--body", body)...)
	return err
}

// Comment is one issue comment.
type Comment struct {
	CreatedAt string `json:"createdAt"`
	Body      string `json:"body"`
}

// ListIssueComments returns the comments on an issue, oldest first.
func (c *Client) ListIssueComments(ctx context.Context, issue int) ([]Comment, error) {
	out, err := c.run(ctx, c.issueArgs("issue", "view", strconv.Itoa(issue),
		"--json", "comments", "--jq", ".comments")...)
	if err != nil {
		return nil, err
	}
	var comments []Comment
	if err := json.Unmarshal([]byte(out), &comments); err != nil {
		return nil, fmt.Errorf("gh: parse comments: %w", err)
	}
	return comments, nil
}

// CloseIssue closes an issue.
func (c *Client) CloseIssue(ctx context.Context, issue int) error {
	_, err := c.run(ctx, c.issueArgs("issue", "close", strconv.Itoa(issue))...)
	return err
}
