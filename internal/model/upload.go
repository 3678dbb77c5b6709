// SPDX-License-Identifier: MIT

package model

import "time"

// UploadSession tracks one resumable upload.
type UploadSession struct {
	UploadID       string    `json:"upload_id"`
	OwnerID        string    `json:"owner_id"`
	Filename       string    `json:"filename"`
	TotalBytes     int64     `json:"total_bytes"`
	ChunkBytes     int64     `json:"chunk_bytes"`
	ReceivedBytes  int64     `json:"received_bytes"`
	SHA256Partial  string    `json:"sha256_partial,omitempty"`
	ChunksReceived []int     `json:"chunks_received"`
	Finalized      bool      `json:"finalized"`
	Dead           bool      `json:"dead,omitempty"`
	VideoPath      string    `json:"video_path,omitempty"`
	SidecarPath    string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasChunk reports whether chunk index has already been received.
func (s *UploadSession) HasChunk(index int) bool {
	for _, i := range s.ChunksReceived {
		if i == index {
			return true
		}
	}
	return false
}
