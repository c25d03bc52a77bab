package chirp

// Category groups templates on the dashboard.
type Category string

const (
	CategoryActivity  Category = "activity"
	CategoryUtility   Category = "utility"
	CategorySafety    Category = "safety"
	CategoryCommunity Category = "community"
	CategoryAllClear  Category = "all_clear"
)

// Urgency orders alert severity for the receive filter.
type Urgency string

const (
	UrgencyInfo    Urgency = "info"
	UrgencyCaution Urgency = "caution"
	UrgencyUrgent  Urgency = "urgent"
)

// urgencyRank returns -1 for unknown urgencies.
func urgencyRank(u Urgency) int {
	switch u {
	case UrgencyInfo:
		return 0
	case UrgencyCaution:
		return 1
	case UrgencyUrgent:
		return 2
	}
	return -1
}

// Template is one of the fixed alert texts. Only the id crosses the radio;
// text is rendered locally on each receiver.
type Template struct {
	ID       uint8    `json:"id"`
	Category Category `json:"category"`
	Text     string   `json:"text"`
}

// templates is the fixed table shared by every device. Ids are stable;
// append only.
var templates = []Template{
	{0, CategoryActivity, "Unusual activity nearby"},
	{1, CategoryActivity, "Unknown vehicle circling"},
	{2, CategoryActivity, "Someone checking door handles"},
	{3, CategoryActivity, "Repeated loud noises"},
	{4, CategoryUtility, "Power is out on my block"},
	{5, CategoryUtility, "Water main issue nearby"},
	{6, CategoryUtility, "Street light out"},
	{7, CategorySafety, "Road hazard nearby"},
	{8, CategorySafety, "Smoke or fire smell"},
	{9, CategorySafety, "Aggressive animal loose"},
	{10, CategoryCommunity, "Lost pet seen in the area"},
	{11, CategoryCommunity, "Neighborhood meetup reminder"},
	{12, CategoryAllClear, "Situation resolved"},
	{13, CategoryAllClear, "False alarm, all clear"},
}

// Templates returns the full template table for the dashboard.
func Templates() []Template {
	out := make([]Template, len(templates))
	copy(out, templates)
	return out
}

// templateByID returns nil for unknown ids.
func templateByID(id uint8) *Template {
	for i := range templates {
		if templates[i].ID == id {
			return &templates[i]
		}
	}
	return nil
}

// emojiSet is the fixed session avatar alphabet, indexed by the first
// nibble of the session id.
var emojiSet = [16]string{
	"\U0001F426", // bird
	"\U0001F333", // tree
	"\U0001F3E0", // house
	"\U0001F319", // moon
	"⭐",     // star
	"\U0001F338", // blossom
	"\U0001F343", // leaf
	"\U0001F4A7", // droplet
	"\U0001F514", // bell
	"\U0001F31E", // sun
	"\U0001F98B", // butterfly
	"\U0001F341", // maple
	"\U0001F340", // clover
	"\U0001F41D", // bee
	"\U0001F327", // rain
	"\U0001F308", // rainbow
}
