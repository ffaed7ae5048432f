// Package classify resolves a contact's industry bucket, which selects
// the message template used for outreach.
package classify

import "context"

const (
	IndustrySports        = "Sports"
	IndustryNews          = "News"
	IndustryEntertainment = "Entertainment"
	IndustryUnknown       = "Unknown"
)

var allowed = map[string]string{
	"sports":        IndustrySports,
	"news":          IndustryNews,
	"entertainment": IndustryEntertainment,
	"unknown":       IndustryUnknown,
}

type Classifier interface {
	// Classify returns one of the industry buckets. Implementations never
	// fail the caller: any error degrades to Unknown.
	Classify(ctx context.Context, about, experience, name string) string
}

// Static always answers the same bucket. It backs runs without an API
// key and doubles as the test stub.
type Static struct {
	Industry string
}

func (s Static) Classify(context.Context, string, string, string) string {
	if s.Industry == "" {
		return IndustryUnknown
	}
	return s.Industry
}
