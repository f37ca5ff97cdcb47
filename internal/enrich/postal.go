package enrich

import "regexp"

var postalRe = regexp.MustCompile(`\b(\d{6})\b`)

// PlausiblePostal reports whether code looks like a Singapore postal
// code: six digits whose sector (first two) is in 01..82.
func PlausiblePostal(code string) bool {
	if len(code) != 6 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	sector := int(code[0]-'0')*10 + int(code[1]-'0')
	return sector >= 1 && sector <= 82
}

// FindPostalCodes scans free text for plausible postal codes, in order of
// appearance, deduplicated.
func FindPostalCodes(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range postalRe.FindAllString(text, -1) {
		if !PlausiblePostal(m) || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// sectorDistrict maps the postal sector to its URA district.
var sectorDistrict = map[int]int{
	1: 1, 2: 1, 3: 1, 4: 1, 5: 1, 6: 1,
	7: 2, 8: 2,
	14: 3, 15: 3, 16: 3,
	9: 4, 10: 4,
	11: 5, 12: 5, 13: 5,
	17: 6,
	18: 7, 19: 7,
	20: 8, 21: 8,
	22: 9, 23: 9,
	24: 10, 25: 10, 26: 10, 27: 10,
	28: 11, 29: 11, 30: 11,
	31: 12, 32: 12, 33: 12,
	34: 13, 35: 13, 36: 13, 37: 13,
	38: 14, 39: 14, 40: 14, 41: 14,
	42: 15, 43: 15, 44: 15, 45: 15,
	46: 16, 47: 16, 48: 16,
	49: 17, 50: 17, 81: 17,
	51: 18, 52: 18,
	53: 19, 54: 19, 55: 19, 82: 19,
	56: 20, 57: 20,
	58: 21, 59: 21,
	60: 22, 61: 22, 62: 22, 63: 22, 64: 22,
	65: 23, 66: 23, 67: 23, 68: 23,
	69: 24, 70: 24, 71: 24,
	72: 25, 73: 25,
	77: 26, 78: 26,
	75: 27, 76: 27,
	79: 28, 80: 28,
}

// districtRegion groups URA districts into the five broad regions used
// for search filtering.
var districtRegion = map[int]string{
	1: "central", 2: "central", 3: "central", 4: "central", 5: "central",
	6: "central", 7: "central", 8: "central", 9: "central", 10: "central",
	11: "central", 12: "central", 13: "central", 14: "central",
	15: "east", 16: "east", 17: "east", 18: "east",
	19: "north_east", 20: "north_east", 28: "north_east",
	21: "west", 22: "west", 23: "west", 24: "west",
	25: "north", 26: "north", 27: "north",
}

// RegionForPostal maps a postal code to its broad region. Unknown or
// unassigned sectors return "".
func RegionForPostal(code string) string {
	if !PlausiblePostal(code) {
		return ""
	}
	sector := int(code[0]-'0')*10 + int(code[1]-'0')
	return districtRegion[sectorDistrict[sector]]
}
