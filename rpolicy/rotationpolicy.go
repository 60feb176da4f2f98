package rpolicy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jinzhu/now"
)

// DefaultNameTemplate is used when no template is configured.
const DefaultNameTemplate = "{app}_{year}{month}{day}T{hour}{minute}"

// RotationPolicy controls when the active segment is sealed and how sealed
// segments are named in the bucket.
//
// NameTemplate recognises the tokens {app}, {year}, {month}, {day}, {hour}
// and {minute}. Date tokens are resolved from the rotation time floored to
// the rotation interval boundary, so all segments sealed within one
// interval share the same templated stem.
type RotationPolicy struct {
	MaxFileSizeBytes int64
	RotateInterval   time.Duration
	Compress         bool
	NameTemplate     string
	FolderPrefix     string
}

// Validate reports the first configuration problem with the policy
func (p RotationPolicy) Validate() error {
	if p.MaxFileSizeBytes <= 0 {
		return errors.New("max file size must be greater than 0")
	}

	if p.RotateInterval <= 0 {
		return errors.New("rotate interval must be a positive duration")
	}

	if p.FolderPrefix != "" {
		matched, _ := regexp.MatchString("^.*/$", p.FolderPrefix)
		if !matched {
			return errors.New("expected folder prefix to have trailing slash")
		}
	}

	return nil
}

// ResolveKey derives the object key for a segment sealed at time t
func (p RotationPolicy) ResolveKey(app string, t time.Time) string {
	template := p.NameTemplate
	if template == "" {
		template = DefaultNameTemplate
	}

	floored := p.floorToInterval(t)

	replacer := strings.NewReplacer(
		"{app}", app,
		"{year}", fmt.Sprintf("%04d", floored.Year()),
		"{month}", fmt.Sprintf("%02d", int(floored.Month())),
		"{day}", fmt.Sprintf("%02d", floored.Day()),
		"{hour}", fmt.Sprintf("%02d", floored.Hour()),
		"{minute}", fmt.Sprintf("%02d", floored.Minute()),
	)

	return p.FolderPrefix + replacer.Replace(template)
}

// Segments sealed mid-interval take the key of the interval they belong to.
// Anything below a minute keeps the exact rotation time.
func (p RotationPolicy) floorToInterval(t time.Time) time.Time {
	boundary := now.New(t)

	switch {
	case p.RotateInterval >= time.Hour*24:
		return boundary.BeginningOfDay()
	case p.RotateInterval >= time.Hour:
		return boundary.BeginningOfHour()
	case p.RotateInterval >= time.Minute:
		return boundary.BeginningOfMinute()
	default:
		return t
	}
}
