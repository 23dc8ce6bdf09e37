package domain

import "fmt"

// TooFewRecordsError is returned when an upstream dataset fetch yields fewer
// rows than the configured minimum for a valid sync. It blocks the dataset
// overwrite so a truncated upstream response cannot wipe the store.
type TooFewRecordsError struct {
	Dataset string
	Got     int
	Min     int
}

func (e *TooFewRecordsError) Error() string {
	return fmt.Sprintf("dataset %s returned %d records, minimum for a valid sync is %d", e.Dataset, e.Got, e.Min)
}
