package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Response is a stored survey response. Payload holds the submitted document
// with sensitive field values sealed.
type Response struct {
	ID        ResponseID
	SurveyID  SurveyID
	UserID    string
	Payload   json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditAction names an audited operation.
type AuditAction string

const (
	AuditCreate          AuditAction = "create"
	AuditUpdate          AuditAction = "update"
	AuditDelete          AuditAction = "delete"
	AuditView            AuditAction = "view"
	AuditExportResponse  AuditAction = "export_response"
	AuditGenerateReport  AuditAction = "generate_report"
	AuditSendInvitations AuditAction = "send_invitations"
)

// ParseAuditAction validates an audit action tag.
func ParseAuditAction(s string) (AuditAction, error) {
	a := AuditAction(s)
	switch a {
	case AuditCreate, AuditUpdate, AuditDelete, AuditView,
		AuditExportResponse, AuditGenerateReport, AuditSendInvitations:
		return a, nil
	}
	return "", fmt.Errorf("unknown audit action %q", s)
}

// AuditEntry records who did what to which survey object. Zero references
// are stored as NULL.
type AuditEntry struct {
	ID         AuditID
	UserID     string
	Action     AuditAction
	SurveyID   SurveyID
	SectionID  SectionID
	FieldID    FieldID
	ResponseID ResponseID
	Detail     string
	CreatedAt  time.Time
}

// Role is the access level of an API key holder.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleAnalyst    Role = "analyst"
	RoleDataViewer Role = "data_viewer"
	RoleRespondent Role = "respondent"
)

// ParseRole validates a role tag.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	switch r {
	case RoleAdmin, RoleAnalyst, RoleDataViewer, RoleRespondent:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Principal is an authenticated API caller.
type Principal struct {
	UserID   string
	Role     Role
	APIKeyID string
}
