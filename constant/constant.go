package constant

type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusError       JobStatus = "error"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

type Format string

const (
	FormatMP3 Format = "mp3"
	FormatMP4 Format = "mp4"
)

func (f Format) Valid() bool {
	return f == FormatMP3 || f == FormatMP4
}

type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

func (q Quality) Valid() bool {
	switch q {
	case QualityLow, QualityMedium, QualityHigh:
		return true
	}
	return false
}

const (
	DefaultFormat  = FormatMP3
	DefaultQuality = QualityHigh
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}
