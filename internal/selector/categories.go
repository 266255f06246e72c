package selector

import "strings"

// Thread categories and their prompt descriptions. The set is fixed; a
// completion naming anything else is invalid output.
var categoryDescriptions = []struct {
	Name        string
	Description string
}{
	{"Correspondence", "Emails from individuals, including personal and professional communications."},
	{"Professional Opportunities", "Job opportunities, application statuses, career opportunities, and professional networking emails."},
	{"Receipts", "Purchase confirmations, order receipts, and transaction details."},
	{"Bills and Statements", "Utility bills, credit card statements, bank statements, and loan notices."},
	{"Promotions and Deals", "Promotional emails, discount offers, coupons, and sales alerts."},
	{"Newsletters", "Regular email updates from subscribed newsletters, blogs, and websites."},
	{"Updates", "Updates from services or products, software updates, and feature announcements."},
	{"Order Confirmations", "Order confirmations and shipping notifications from online purchases."},
	{"Product Recommendations", "Emails recommending products based on previous purchases or browsing history."},
	{"Tickets and Bookings", "Travel itineraries, flight confirmations, hotel bookings, concert tickets, sports events, theater tickets, and event invitations."},
	{"Courses and Learning", "Online course updates, class schedules, and educational content."},
	{"Organizational Announcements", "Emails from educational institutions, company-wide emails from employers, and announcements from non-professional organizations."},
	{"Utilities and Services", "Notifications from utility providers, service updates, maintenance notices, internet, cable, phone providers, and other service companies."},
	{"Security Alerts", "Account security notifications, password resets, and suspicious activity alerts."},
	{"Service Notifications", "Notifications from apps and services, error messages, and system alerts."},
	{"Surveys and Feedback", "Requests for feedback, surveys, and user experience questionnaires."},
	{"Political", "Political emails, including donation requests and campaign updates."},
	{"Spam", "Unwanted emails, phishing attempts, and known spam."},
	{"Health and Wellness", "Emails from healthcare providers, appointment reminders, and health-related updates."},
	{"Miscellaneous", "An email which does not fit any other category."},
}

// IsKnownCategory reports whether name matches one of the fixed categories,
// ignoring case and surrounding whitespace.
func IsKnownCategory(name string) bool {
	return CanonicalCategory(name) != ""
}

// CanonicalCategory returns the canonical label for name, or "".
func CanonicalCategory(name string) string {
	trimmed := strings.TrimSpace(name)
	for _, c := range categoryDescriptions {
		if strings.EqualFold(c.Name, trimmed) {
			return c.Name
		}
	}
	return ""
}
