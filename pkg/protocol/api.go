// Package protocol defines the API request/response types.
package protocol

import "time"

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error            string `json:"error"`
	Code             int    `json:"code"`
	RequiresPassword bool   `json:"requiresPassword,omitempty"`
}

// MessageResponse acknowledges an operation with no other result.
type MessageResponse struct {
	Message string `json:"message"`
}

// EntryMessageResponse acknowledges an operation on one entry.
type EntryMessageResponse[T any] struct {
	Message string `json:"message"`
	File    T      `json:"file"`
}

// CreateFolderRequest is the body for POST /api/files.
type CreateFolderRequest struct {
	Name     string `json:"name"`
	ParentID string `json:"parentId"`
}

// UpdateEntryRequest is the body for PUT /api/files/{id}. Fields not
// listed here are ignored.
type UpdateEntryRequest struct {
	Name     *string `json:"name,omitempty"`
	Starred  *bool   `json:"starred,omitempty"`
	ParentID *string `json:"parentId,omitempty"`
}

// CreateLinkRequest is the body for POST /api/files/{id}/share.
// ExpiresAt wins over ExpiresIn.
type CreateLinkRequest struct {
	Permission string     `json:"permission"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	ExpiresIn  string     `json:"expiresIn,omitempty"`
	Password   string     `json:"password,omitempty"`
}

// CollaboratorRequest is the body for PUT /api/files/{id}/collaborators.
type CollaboratorRequest struct {
	UserID     string `json:"userId"`
	Permission string `json:"permission"`
}

// SharePasswordRequest carries a link password in a POST body.
type SharePasswordRequest struct {
	Password string `json:"password"`
}

// ListResponse wraps a listing.
type ListResponse[T any] struct {
	Files []T `json:"files"`
}

// UploadResponse is returned by POST /api/upload.
type UploadResponse[T any] struct {
	Message string `json:"message"`
	Files   []T    `json:"files"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	StorageBackend string `json:"storageBackend"`
	Uploads        bool   `json:"uploads"`
	UploadsReason  string `json:"uploadsReason,omitempty"`
}

// Collaborator is one explicit grant on an entry.
type Collaborator struct {
	UserID     string `json:"userId"`
	Permission string `json:"permission"`
}

// LinkSummary describes an entry's public link without its secret parts.
type LinkSummary struct {
	Token       string     `json:"token"`
	Permission  string     `json:"permission"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	HasPassword bool       `json:"hasPassword"`
}

// FileEntry is a file or folder as returned to its owner or collaborators.
type FileEntry struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	IsFolder    bool           `json:"isFolder"`
	Path        string         `json:"path"`
	ParentID    string         `json:"parentId"`
	OwnerID     string         `json:"ownerId"`
	Size        int64          `json:"size"`
	ContentType string         `json:"contentType,omitempty"`
	Starred     bool           `json:"starred"`
	IsDeleted   bool           `json:"isDeleted"`
	DeletedAt   *time.Time     `json:"deletedAt,omitempty"`
	SharedWith  []Collaborator `json:"sharedWith"`
	SharedLink  *LinkSummary   `json:"sharedLink,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}
