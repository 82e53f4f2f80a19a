package model

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further automatic transition applies.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCanceled
}

// Schedule is a message queued for future delivery through the WhatsApp
// gateway. All timestamps are stored in UTC; send_at comparisons happen in
// UTC only, display timezones are a frontend concern.
type Schedule struct {
	ID              string          `json:"id"`
	Phone           string          `json:"phone"`
	MessageHTML     string          `json:"message_html"`
	MessageMD       string          `json:"message_md"`
	ImagePath       *string         `json:"image_path,omitempty"`
	SendAt          time.Time       `json:"send_at"`
	Status          Status          `json:"status"`
	SentAt          *time.Time      `json:"sent_at,omitempty"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type ScheduleCreateRequest struct {
	Phone       string    `json:"phone" binding:"required"`
	MessageHTML string    `json:"message_html" binding:"required"`
	ImagePath   *string   `json:"image_path,omitempty"`
	SendAt      time.Time `json:"send_at" binding:"required"`
}

type BulkCreateRequest struct {
	Schedules []ScheduleCreateRequest `json:"schedules" binding:"required"`
}

// ScheduleUpdateRequest carries partial edits; nil fields are untouched.
type ScheduleUpdateRequest struct {
	Phone       *string    `json:"phone,omitempty"`
	MessageHTML *string    `json:"message_html,omitempty"`
	ImagePath   *string    `json:"image_path,omitempty"`
	SendAt      *time.Time `json:"send_at,omitempty"`
	Status      *Status    `json:"status,omitempty"`
}

type DebugSendRequest struct {
	Phone     string  `json:"phone" binding:"required"`
	Message   string  `json:"message"`
	ImagePath *string `json:"image_path,omitempty"`
}
