package entitlement

import "fmt"

// Reason is the closed set of denial codes.
type Reason string

const (
	ReasonUnavailable          Reason = "Unavailable"
	ReasonRequiresLogin        Reason = "RequiresLogin"
	ReasonRequiresSubscription Reason = "RequiresSubscription"
	ReasonDailyLimitReached    Reason = "DailyLimitReached"
	ReasonMonthlyLimitReached  Reason = "MonthlyLimitReached"
	ReasonBandwidthExceeded    Reason = "BandwidthExceeded"
)

var messages = map[Reason]string{
	ReasonUnavailable:          "file is not available for download",
	ReasonRequiresLogin:        "sign in to download this file",
	ReasonRequiresSubscription: "an active subscription is required for this file",
	ReasonDailyLimitReached:    "daily download limit reached",
	ReasonMonthlyLimitReached:  "monthly download limit reached",
	ReasonBandwidthExceeded:    "not enough bandwidth left in this billing cycle",
}

func (r Reason) Message() string {
	if m, ok := messages[r]; ok {
		return m
	}
	return string(r)
}

// Decision answers whether a caller may start downloading a file. Metered
// decisions carry the subscription that will be charged.
type Decision struct {
	Allowed        bool   `json:"allowed"`
	Reason         Reason `json:"reason,omitempty"`
	Message        string `json:"message,omitempty"`
	FileID         int64  `json:"file_id"`
	SubscriptionID *int64 `json:"subscription_id,omitempty"`
}

func (d Decision) Metered() bool { return d.SubscriptionID != nil }

func Allow(fileID int64, subscriptionID *int64) Decision {
	return Decision{Allowed: true, FileID: fileID, SubscriptionID: subscriptionID}
}

func Deny(fileID int64, reason Reason) Decision {
	return Decision{FileID: fileID, Reason: reason, Message: reason.Message()}
}

// DeniedError surfaces a denied Decision as an error.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("entitlement denied for file %d: %s", e.Decision.FileID, e.Decision.Reason)
}
