package models

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// EmailAttachment is a decoded MIME attachment carried inline with its email.
type EmailAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	ContentHash string `json:"contentHash"`
	Content     []byte `json:"content,omitempty"`
}

func NewEmailAttachment(filename, contentType string, content []byte) EmailAttachment {
	sum := sha256.Sum256(content)
	return EmailAttachment{
		ID:          uuid.New().String(),
		Filename:    filename,
		ContentType: contentType,
		Size:        len(content),
		ContentHash: hex.EncodeToString(sum[:]),
		Content:     content,
	}
}
