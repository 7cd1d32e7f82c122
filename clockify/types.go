package clockify

// TimeInterval of a time entry; End is empty while a timer runs
type TimeInterval struct {
	Start    string `json:"start"`
	End      string `json:"end,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// TimeEntry as returned by the API
type TimeEntry struct {
	ID           string       `json:"id"`
	Description  string       `json:"description"`
	ProjectID    string       `json:"projectId,omitempty"`
	TaskID       string       `json:"taskId,omitempty"`
	TagIDs       []string     `json:"tagIds"`
	Billable     bool         `json:"billable"`
	UserID       string       `json:"userId,omitempty"`
	WorkspaceID  string       `json:"workspaceId,omitempty"`
	TimeInterval TimeInterval `json:"timeInterval"`
}

// UpdateRequest is the PUT body for a time entry
type UpdateRequest struct {
	Start       string   `json:"start"`
	End         string   `json:"end,omitempty"`
	Billable    bool     `json:"billable"`
	Description string   `json:"description"`
	ProjectID   string   `json:"projectId,omitempty"`
	TaskID      string   `json:"taskId,omitempty"`
	TagIDs      []string `json:"tagIds"`
}

// UpdateRequest builds the PUT body carrying the entry's current state
func (e *TimeEntry) UpdateRequest() UpdateRequest {
	tags := e.TagIDs
	if tags == nil {
		tags = []string{}
	}
	return UpdateRequest{
		Start:       e.TimeInterval.Start,
		End:         e.TimeInterval.End,
		Billable:    e.Billable,
		Description: e.Description,
		ProjectID:   e.ProjectID,
		TaskID:      e.TaskID,
		TagIDs:      tags,
	}
}

// Clone returns a copy that does not share the tag slice
func (e *TimeEntry) Clone() *TimeEntry {
	c := *e
	c.TagIDs = append([]string(nil), e.TagIDs...)
	return &c
}

type Tag struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Archived bool   `json:"archived,omitempty"`
}

type Project struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ClientID   string `json:"clientId,omitempty"`
	ClientName string `json:"clientName,omitempty"`
	Archived   bool   `json:"archived,omitempty"`
}

type Task struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ProjectID string `json:"projectId"`
}
