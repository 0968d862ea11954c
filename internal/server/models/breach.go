package models

// BreachSummary is the subset of a breach record returned to clients.
type BreachSummary struct {
	Name        string   `json:"Name"`
	Domain      string   `json:"Domain"`
	BreachDate  string   `json:"BreachDate"`
	DataClasses []string `json:"DataClasses"`
	LogoPath    string   `json:"LogoPath"`
}
