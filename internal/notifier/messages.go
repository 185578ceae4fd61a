package notifier

import "fmt"

func pastTense(action string) string {
	switch action {
	case "download":
		return "downloaded"
	case "restore":
		return "restored"
	case "backup":
		return "backed up"
	default:
		return "done"
	}
}

func ItemSucceeded(action, label string) Notification {
	return Notification{
		Title: label,
		Body:  pastTense(action),
		Level: LevelInfo,
	}
}

// ItemFailed names the item and the cause.
func ItemFailed(action, label string, err error) Notification {
	return Notification{
		Title: fmt.Sprintf("Failed to %s %s", action, label),
		Body:  err.Error(),
		Level: LevelError,
	}
}

// BatchSummary is the single terminal notification of a batch, for example
// "2 downloaded, 1 failed".
func BatchSummary(action string, succeeded, failed int, stopped bool) Notification {
	title := "Download complete"

	switch action {
	case "restore":
		title = "Restore complete"
	case "backup":
		title = "Backup complete"
	}

	if stopped {
		title = fmt.Sprintf("%s paused", action)
	}

	level := LevelInfo
	if failed > 0 {
		level = LevelWarning
	}

	return Notification{
		Title: title,
		Body:  fmt.Sprintf("%d %s, %d failed", succeeded, pastTense(action), failed),
		Level: level,
	}
}

// BatchFailed reports a batch that stopped because its queue could not be persisted.
func BatchFailed(action string, err error) Notification {
	return Notification{
		Title: fmt.Sprintf("%s stopped", action),
		Body:  err.Error(),
		Level: LevelError,
	}
}

// Conflict tells the user a request was rejected because another action runs.
func Conflict(requested, running string) Notification {
	return Notification{
		Title: fmt.Sprintf("Cannot start %s", requested),
		Body:  fmt.Sprintf("%s is in progress, wait for it to finish or cancel it", running),
		Level: LevelWarning,
	}
}
