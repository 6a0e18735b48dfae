package domain

import "sort"

// VendorKind separates banks from card issuers.
type VendorKind string

const (
	KindBank VendorKind = "bank"
	KindCard VendorKind = "card"
)

// Vendor describes one supported institution.
type Vendor struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Kind           VendorKind `json:"kind"`
	RequiredFields []string   `json:"required_fields"`
	// RateLimited vendors need a longer pause between consecutive accounts.
	RateLimited bool `json:"rate_limited"`
}

var vendors = map[string]Vendor{
	"hapoalim":      {ID: "hapoalim", Name: "Bank Hapoalim", Kind: KindBank, RequiredFields: []string{"userCode", "password"}},
	"leumi":         {ID: "leumi", Name: "Bank Leumi", Kind: KindBank, RequiredFields: []string{"username", "password"}},
	"discount":      {ID: "discount", Name: "Discount Bank", Kind: KindBank, RequiredFields: []string{"id", "password", "num"}},
	"mizrahi":       {ID: "mizrahi", Name: "Mizrahi Tefahot", Kind: KindBank, RequiredFields: []string{"username", "password"}},
	"otsarHahayal":  {ID: "otsarHahayal", Name: "Otsar Hahayal", Kind: KindBank, RequiredFields: []string{"username", "password"}},
	"beinleumi":     {ID: "beinleumi", Name: "First International", Kind: KindBank, RequiredFields: []string{"username", "password"}},
	"massad":        {ID: "massad", Name: "Massad", Kind: KindBank, RequiredFields: []string{"username", "password"}},
	"yahav":         {ID: "yahav", Name: "Bank Yahav", Kind: KindBank, RequiredFields: []string{"username", "password", "nationalID"}},
	"union":         {ID: "union", Name: "Union Bank", Kind: KindBank, RequiredFields: []string{"username", "password"}},
	"mercantile":    {ID: "mercantile", Name: "Mercantile", Kind: KindBank, RequiredFields: []string{"id", "password", "num"}},
	"oneZero":       {ID: "oneZero", Name: "One Zero", Kind: KindBank, RequiredFields: []string{"email", "password", "phoneNumber"}},
	"pagi":          {ID: "pagi", Name: "Pagi", Kind: KindBank, RequiredFields: []string{"username", "password"}},
	"visaCal":       {ID: "visaCal", Name: "Visa Cal", Kind: KindCard, RequiredFields: []string{"username", "password"}},
	"max":           {ID: "max", Name: "Max", Kind: KindCard, RequiredFields: []string{"username", "password"}},
	"isracard":      {ID: "isracard", Name: "Isracard", Kind: KindCard, RequiredFields: []string{"id", "card6Digits", "password"}, RateLimited: true},
	"amex":          {ID: "amex", Name: "American Express", Kind: KindCard, RequiredFields: []string{"id", "card6Digits", "password"}, RateLimited: true},
}

// LookupVendor returns the vendor with the given id.
func LookupVendor(id string) (Vendor, bool) {
	v, ok := vendors[id]
	return v, ok
}

// IsBankVendor reports whether id names a bank.
func IsBankVendor(id string) bool {
	v, ok := vendors[id]
	return ok && v.Kind == KindBank
}

// Vendors returns all supported vendors sorted by id.
func Vendors() []Vendor {
	out := make([]Vendor, 0, len(vendors))
	for _, v := range vendors {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MissingFields returns the required fields of vendor absent from fields.
func (v Vendor) MissingFields(fields map[string]string) []string {
	var missing []string
	for _, f := range v.RequiredFields {
		if fields[f] == "" {
			missing = append(missing, f)
		}
	}
	return missing
}
