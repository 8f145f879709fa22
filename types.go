package parentsync

import (
	"time"

	"gorm.io/datatypes"
)

// ============================================================================
// Directory Types
// ============================================================================

// Student is a child linked to the signed-in parent account.
// The local table is a read-mostly mirror of the server keyed by ID.
type Student struct {
	ID            int64  `json:"id" gorm:"primaryKey;autoIncrement:false" validate:"required,gt=0"`
	StudentNumber string `json:"student_number" gorm:"not null;default:''" validate:"required"`
	GivenName     string `json:"given_name" gorm:"not null;default:''"`
	FamilyName    string `json:"family_name" gorm:"not null;default:''"`
	PhoneNumber   string `json:"phone_number" gorm:"not null;default:''"`
	Email         string `json:"email" gorm:"not null;default:''"`
}

func (Student) TableName() string { return "student" }

// ============================================================================
// Message Types
// ============================================================================

// Priority is the urgency a school attaches to a message.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Message is the server view of a notification.
// ViewedAt is set once any device has delivered a read receipt.
type Message struct {
	ID        int64      `json:"id" validate:"required,gt=0"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Priority  Priority   `json:"priority" validate:"required,oneof=high medium low"`
	GroupName *string    `json:"group_name,omitempty"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Images    []string   `json:"images,omitempty"`
	SentTime  time.Time  `json:"sent_time" validate:"required"`
	ViewedAt  *time.Time `json:"viewed_at,omitempty"`
}

// MessageRow is a cached message plus its local read and delivery state.
//
// SentStatus=1 always implies ReadStatus=1. ReadStatus=1 with SentStatus=0 is a
// receipt recorded on this device that the server has not acknowledged yet.
type MessageRow struct {
	ID            int64                       `json:"id" gorm:"primaryKey;autoIncrement:false"`
	StudentNumber string                      `json:"student_number" gorm:"not null;default:''"`
	StudentID     int64                       `json:"student_id" gorm:"not null;index:idx_message_student_sent,priority:1"`
	Title         string                      `json:"title" gorm:"not null;default:''"`
	Content       string                      `json:"content" gorm:"not null;default:''"`
	Priority      Priority                    `json:"priority" gorm:"not null;default:'low'"`
	GroupName     *string                     `json:"group_name,omitempty"`
	EditedAt      *time.Time                  `json:"edited_at,omitempty"`
	Images        datatypes.JSONSlice[string] `json:"images,omitempty"`
	SentTime      time.Time                   `json:"sent_time" gorm:"not null;index:idx_message_student_sent,priority:2,sort:desc"`
	ReadStatus    int                         `json:"read_status" gorm:"not null;default:0"`
	ReadTime      *time.Time                  `json:"read_time,omitempty"`
	SentStatus    int                         `json:"sent_status" gorm:"not null;default:0"`
}

func (MessageRow) TableName() string { return "message" }

// Read reports whether the message has been read on this or another device.
func (m *MessageRow) Read() bool { return m.ReadStatus == 1 }

// PendingReceipt reports whether the row carries a read receipt the server has not confirmed.
func (m *MessageRow) PendingReceipt() bool { return m.ReadStatus == 1 && m.SentStatus == 0 }

// setting is a small key/value table for process-wide state that must survive restarts.
type setting struct {
	Name  string `gorm:"primaryKey"`
	Value string `gorm:"not null;default:''"`
}

func (setting) TableName() string { return "setting" }

// ============================================================================
// Wire Types
// ============================================================================

// APIError is the error body returned by the server.
type APIError struct {
	Code string `json:"error"`
}

func (e *APIError) Error() string {
	return e.Code
}

// Account is the user object returned on sign-in.
type Account struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type changeTempPasswordRequest struct {
	Email        string `json:"email"`
	TempPassword string `json:"temp_password"`
	NewPassword  string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// AuthResponse is returned by /login and /change-temp-password.
type AuthResponse struct {
	AccessToken  string  `json:"access_token" validate:"required"`
	RefreshToken string  `json:"refresh_token" validate:"required"`
	ExpiresIn    int     `json:"expires_in,omitempty"`
	User         Account `json:"user"`
	SchoolName   string  `json:"school_name,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse is returned by /refresh-token. RefreshToken is only present on rotation.
type RefreshResponse struct {
	AccessToken  string `json:"access_token" validate:"required"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// ReadReceiptsRequest is the batch body for /messages/read-receipts.
type ReadReceiptsRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

// ReadReceiptsResponse lists the ids the server applied.
type ReadReceiptsResponse struct {
	AcknowledgedIDs []int64 `json:"acknowledged_ids"`
}

// DeviceTokenRequest is the body for /device-token.
type DeviceTokenRequest struct {
	Token string `json:"token"`
}
