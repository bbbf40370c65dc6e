package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

var ErrInvalidTrigger = errors.New("invalid trigger")

// InvalidTriggerError reports a trigger expression that cannot be scheduled.
type InvalidTriggerError struct {
	Trigger string
	Reason  string
}

func (e *InvalidTriggerError) Error() string {
	return fmt.Sprintf("invalid trigger %q: %s", e.Trigger, e.Reason)
}

func (e *InvalidTriggerError) Is(target error) bool { return target == ErrInvalidTrigger }

var triggerAliases = map[string]string{
	"every minute": "* * * * *",
	"every hour":   "0 * * * *",
	"every day":    "0 0 * * *",
	"every week":   "0 0 * * 0",
}

// NormalizeTrigger turns a trigger into a cron expression gronx accepts.
// Besides cron syntax and gronx tags (@hourly, @daily ...) it understands
// "every minute|hour|day|week" and "every N minutes".
// Cron expressions keep the caller's casing.
func NormalizeTrigger(trigger string) (string, error) {
	raw := strings.Join(strings.Fields(trigger), " ")
	t := strings.ToLower(raw)
	if t == "" {
		return "", &InvalidTriggerError{Trigger: trigger, Reason: "empty expression"}
	}
	if expr, ok := triggerAliases[t]; ok {
		return expr, nil
	}
	if rest, ok := strings.CutPrefix(t, "every "); ok {
		if n, ok := strings.CutSuffix(rest, " minutes"); ok {
			v, err := strconv.Atoi(n)
			if err != nil || v < 1 || v > 59 {
				return "", &InvalidTriggerError{Trigger: trigger, Reason: "minutes must be between 1 and 59"}
			}
			return fmt.Sprintf("*/%d * * * *", v), nil
		}
	}
	if !gronx.New().IsValid(raw) {
		return "", &InvalidTriggerError{Trigger: trigger, Reason: "not a cron expression"}
	}
	return raw, nil
}

// NextRun returns the first tick of expr strictly after ref, evaluated in loc.
func NextRun(expr string, ref time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return gronx.NextTickAfter(expr, ref.In(loc), false)
}

// NextRunFor normalizes trigger and returns its next tick after now.
func NextRunFor(trigger string, loc *time.Location) (time.Time, error) {
	expr, err := NormalizeTrigger(trigger)
	if err != nil {
		return time.Time{}, err
	}
	return NextRun(expr, time.Now(), loc)
}
