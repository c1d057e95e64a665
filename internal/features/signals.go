package features

import (
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
)

// Risk signal names.
const (
	NameRisk         = "name_risk"
	EmailRisk        = "email_risk"
	PhoneRisk        = "phone_risk"
	AgeRisk          = "age_risk"
	DeviceRisk       = "device_risk"
	NetworkRisk      = "network_risk"
	MerchantRisk     = "merchant_risk"
	LoanActivityRisk = "loan_activity_risk"
	VelocityRisk     = "velocity_risk"

	CreditRisk       = "credit_risk"
	EmploymentRisk   = "employment_risk"
	ExistingLoanRisk = "existing_loan_risk"
	TimeOfDayRisk    = "time_of_day_risk"

	CompositeRisk = "composite_risk"
)

const baseSignalCount = 9

// BaseSignals are the signals mixed into the V vectors, in column order.
var BaseSignals = [baseSignalCount]string{
	NameRisk, EmailRisk, PhoneRisk, AgeRisk, DeviceRisk,
	NetworkRisk, MerchantRisk, LoanActivityRisk, VelocityRisk,
}

// allSignals lists every computed signal in summation order.
var allSignals = [...]string{
	NameRisk, EmailRisk, PhoneRisk, AgeRisk, DeviceRisk,
	NetworkRisk, MerchantRisk, LoanActivityRisk, VelocityRisk,
	CreditRisk, EmploymentRisk, ExistingLoanRisk, TimeOfDayRisk,
}

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9+_.-]+@(.+)$`)

// Signals maps signal name to a value in [0, 1].
type Signals map[string]float64

// ComputeSignals derives the interpretable risk signals from attrs.
// elapsed is the event time in seconds since midnight.
func ComputeSignals(attrs map[string]any, elapsed float64) Signals {
	firstName := strings.ToLower(stringAttr(attrs, "firstName", "N/A"))
	lastName := strings.ToLower(stringAttr(attrs, "lastName", "N/A"))
	email := stringAttr(attrs, "email", "unknown@example.com")
	phone := stringAttr(attrs, "phoneNumber", "0000000000")
	age := numberAttr(attrs, "age", 0)
	device := strings.ToLower(stringAttr(attrs, "deviceType", "UNKNOWN"))
	ip := stringAttr(attrs, "ipAddress", "0.0.0.0")
	merchant := stringAttr(attrs, "merchantCategory", "GENERAL")
	os := strings.ToLower(stringAttr(attrs, "os", "android"))
	activeLoans := numberAttr(attrs, "activeLoansCount", 0)
	reapply := boolAttr(attrs, "reapplyVelocityFlag")
	creditScore := numberAttr(attrs, "creditScore", 650)
	employment := strings.ToLower(stringAttr(attrs, "employmentStatus", "unknown"))
	existingLoans := numberAttr(attrs, "existingLoans", 0)

	s := Signals{
		NameRisk:         (1 - min(uniqueChars(firstName+lastName)/26, 1)) * 0.8,
		EmailRisk:        emailRisk(email),
		PhoneRisk:        (indicator(len(phone) < 9 || len(phone) > 13) + hashToUnit(phone)) / 2,
		AgeRisk:          indicator(age < 18 || age > 80),
		DeviceRisk:       (deviceScore(device) + osScore(os)) / 2,
		NetworkRisk:      hashToUnit(ip),
		MerchantRisk:     hashToUnit(merchant),
		LoanActivityRisk: tiered(activeLoans, 2, 1.0, 0.5, 0),
		VelocityRisk:     indicator(reapply),
		CreditRisk:       1 - clamp((creditScore-350)/500, 0, 1),
		EmploymentRisk:   employmentScore(employment),
		ExistingLoanRisk: tiered(existingLoans, 3, 1.0, 0.6, 0.2),
		TimeOfDayRisk:    nightScore(elapsed),
	}

	var sum float64
	for _, name := range allSignals {
		sum += s[name]
	}
	s[CompositeRisk] = sum / float64(len(allSignals))
	return s
}

func emailRisk(email string) float64 {
	if !emailPattern.MatchString(email) {
		return 1.0
	}
	if strings.Contains(email, "gmail") || strings.Contains(email, "yahoo") {
		return 0.5
	}
	return 0.2
}

func deviceScore(device string) float64 {
	switch {
	case strings.Contains(device, "emulator"):
		return 1.0
	case strings.Contains(device, "mobile"):
		return 0.4
	default:
		return 0.2
	}
}

func osScore(os string) float64 {
	if strings.Contains(os, "android") {
		return 0.6
	}
	return 0.3
}

func employmentScore(status string) float64 {
	switch status {
	case "unemployed":
		return 1.0
	case "self-employed":
		return 0.7
	case "employed":
		return 0.3
	default:
		return 0.5
	}
}

func nightScore(elapsed float64) float64 {
	hour := elapsed / 3600
	if hour >= 0 && hour <= 6 {
		return 0.8
	}
	return 0.1
}

// tiered returns high above threshold, mid above zero, low otherwise.
func tiered(v, threshold, high, mid, low float64) float64 {
	switch {
	case v > threshold:
		return high
	case v > 0:
		return mid
	default:
		return low
	}
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func uniqueChars(s string) float64 {
	seen := make(map[rune]struct{})
	for _, r := range s {
		seen[r] = struct{}{}
	}
	return float64(len(seen))
}

// hashToUnit maps s deterministically into [0, 1).
func hashToUnit(s string) float64 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return float64(h.Sum32()%10000) / 10000
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

func stringAttr(attrs map[string]any, key, def string) string {
	v, ok := attrs[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return def
	}
}

// numberAttr reads a numeric attribute; unparseable values read as zero.
func numberAttr(attrs map[string]any, key string, def float64) float64 {
	v, ok := attrs[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func boolAttr(attrs map[string]any, key string) bool {
	switch t := attrs[key].(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	default:
		return false
	}
}
