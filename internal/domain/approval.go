package domain

import (
	"errors"
	"time"
)

// Статусы State Machine
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusRejected ApprovalStatus = "REJECTED"
)

var (
	ErrInvalidTransition = errors.New("invalid approval status transition")
	ErrAlreadyProcessed  = errors.New("approval request already processed")
	ErrApprovalNotFound  = errors.New("approval request not found")
	ErrNotApprovalOwner  = errors.New("approval request belongs to another user")
)

// ApprovalRequest: команда, которую компилятор пометил как требующую подтверждения.
// Пока пользователь не решит, команда не подписывается и не уходит в браузер.
type ApprovalRequest struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	TaskID     string         `json:"task_id"`
	Command    Command        `json:"command"`
	Reason     string         `json:"reason"`
	Status     ApprovalStatus `json:"status"`
	ReviewerID *string        `json:"reviewer_id,omitempty"`
	Comment    *string        `json:"comment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	if next == StatusPending {
		return ErrInvalidTransition
	}
	return nil
}
