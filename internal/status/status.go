package status

// Status is stored as int32 so it can be read and written atomically.
type Status = int32

const (
	Pending Status = iota
	Extracting
	Downloading
	Paused
	Verifying
	Completed
	Failed
	Cancelled
)

var names = map[Status]string{
	Pending:     "pending",
	Extracting:  "extracting",
	Downloading: "downloading",
	Paused:      "paused",
	Verifying:   "verifying",
	Completed:   "completed",
	Failed:      "failed",
	Cancelled:   "cancelled",
}

// String returns the wire/storage form of a status.
func String(s Status) string {
	if name, ok := names[s]; ok {
		return name
	}

	return "unknown"
}

// Parse converts a stored status string back to its Status value.
// Unknown strings map to Pending.
func Parse(name string) Status {
	for s, n := range names {
		if n == name {
			return s
		}
	}

	return Pending
}

// IsTerminal reports whether a task in this status will never progress again.
func IsTerminal(s Status) bool {
	return s == Completed || s == Failed || s == Cancelled
}
