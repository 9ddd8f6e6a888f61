package drive

import "time"

// RootID is the remote identifier of the drive root folder.
const RootID = "root"

// Item is one remote file or folder, normalized from the API response.
type Item struct {
	ID              string
	ParentID        string
	Name            string
	IsFolder        bool
	Size            int64
	ContentHash     string // hex; empty for folders
	ContentHashName string // e.g. "sha1"
	CreatedAt       time.Time
	ModifiedAt      time.Time
}

// DownloadLink is a pre-signed, short-lived URL. The URL must never be logged.
type DownloadLink struct {
	URL        string
	Expiration time.Time
}
