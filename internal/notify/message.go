package notify

import (
	"fmt"
	"strings"
)

// Status keys understood by display sinks.
const (
	StatusCUDAError          = "cuda_error"
	StatusAudioError         = "audio_error"
	StatusTranscriptionError = "transcription_error"
	StatusError              = "error"
	StatusWarning            = "warning"
	StatusInfo               = "info"
	StatusSuccess            = "success"
)

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// UserMessage builds a short display message for a fault.
func UserMessage(source string, err error) string {
	text := strings.ToLower(errText(err))

	if containsAny(text, "cuda", "gpu", "metal") {
		switch {
		case strings.Contains(text, "out of memory"):
			return "GPU Error - out of memory"
		case strings.Contains(text, "driver"):
			return "GPU Error - driver issue"
		default:
			return "GPU Error - local transcription unavailable"
		}
	}

	if strings.HasPrefix(source, "audio") {
		if strings.Contains(text, "device") {
			return "Audio Device Error - Check microphone connection"
		}
		return "Audio Error - Recording issue detected"
	}

	if strings.HasPrefix(source, "transcription") {
		return "Transcription Error - Speech processing failed"
	}

	detail := errText(err)
	if len(detail) > 50 {
		detail = detail[:50] + "..."
	}
	return fmt.Sprintf("%s Error - %s", titleCase(source), detail)
}

// statusKey picks the display category for a notification.
func statusKey(n Notification) string {
	text := strings.ToLower(errText(n.Err))
	switch {
	case containsAny(text, "cuda", "gpu", "metal"):
		return StatusCUDAError
	case strings.HasPrefix(n.Source, "audio"):
		return StatusAudioError
	case strings.HasPrefix(n.Source, "transcription"):
		return StatusTranscriptionError
	}
	switch n.Severity {
	case SeverityWarning:
		return StatusWarning
	case SeverityInfo:
		return StatusInfo
	default:
		return StatusError
	}
}

func statusFor(n Notification) Status {
	text := n.Message
	if n.Count > 1 {
		text = fmt.Sprintf("%s (%dx)", text, n.Count)
	}
	return Status{Key: statusKey(n), Text: text}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
