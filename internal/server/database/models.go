package database

import "time"

// Transfer kinds written to the ledger.
const (
	KindUpload   = "upload"
	KindDownload = "download"
	KindConsumed = "consumed"
)

// Transfer is one row of the append-only ledger.
type Transfer struct {
	ID         int64
	Code       string
	Kind       string
	Filename   string
	Bytes      int64
	Partial    bool
	RemoteAddr string
	CreatedAt  time.Time
}

// Stats holds ledger totals.
type Stats struct {
	Uploads     int64
	Downloads   int64
	Consumed    int64
	BytesServed int64
}
