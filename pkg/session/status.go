package session

import "fmt"

const (
	StatusListening       = `Listening continuously... Say "stop" to end.`
	StatusStopCommand     = `Heard "stop". Listening stopped.`
	StatusStopping        = "Stopping..."
	StatusEnded           = `Listening ended. Click "Start Listening" again.`
	StatusEndedRestarting = "Listening ended unexpectedly. Restarting..."
	StatusErrorRestarted  = "Error, but restarted listening..."
	StatusPermission      = "Microphone access denied. Please allow microphone access to use this feature."
	StatusUnavailable     = "Speech recognition is not available on this system."
	StatusEndRestartFail  = `Listening ended unexpectedly and could not restart. Click "Start Listening" again.`
)

func statusTranscript(display string) string {
	return `Listening... "` + display + `"`
}

func statusErrorRestarting(code string) string {
	return fmt.Sprintf("Error: %s. Attempting to restart...", code)
}

func statusErrorRestartFailed(code string) string {
	return fmt.Sprintf(`Error: %s. Could not restart. Click "Start Listening" again.`, code)
}

func statusEndedDueTo(code string) string {
	return fmt.Sprintf(`Listening ended due to: %s. Click "Start Listening" again.`, code)
}

func statusStartFailed(err error) string {
	return fmt.Sprintf(`Could not start listening: %v. Click "Start Listening" again.`, err)
}
