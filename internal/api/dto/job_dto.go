package dto

type SubmitJobRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	Payload string `json:"payload" binding:"required"`
	JobID   string `json:"job_id"`
	WaitMs  int    `json:"wait_ms"`
}

type SubmitJobResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	OutputURL string `json:"output_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ListJobsRequest struct {
	UserID   string `form:"user_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID     string `json:"job_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	Payload   string `json:"payload"`
	OutputURL string `json:"output_url,omitempty"`
	Error     string `json:"error,omitempty"`
	Attempt   int    `json:"attempt"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type WaitJobResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	OutputURL string `json:"output_url,omitempty"`
	Error     string `json:"error,omitempty"`
}
