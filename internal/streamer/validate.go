// Package streamer splits a video source into numbered frames, stores them
// and announces each one on the frames channel.
package streamer

import (
	"fmt"
	"regexp"

	"motionpipe/pkg/models"
)

var httpsURLPattern = regexp.MustCompile(`^https://\S+$`)

// ValidateSourceURL accepts only https URLs without whitespace
func ValidateSourceURL(raw string) error {
	if !httpsURLPattern.MatchString(raw) {
		return fmt.Errorf("%w: invalid URL %q", models.ErrInvalidInput, raw)
	}
	return nil
}
