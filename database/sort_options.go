package database

const (
	SortNameAsc  = "name_asc"
	SortNameNat  = "name_nat"
	SortDateDesc = "date_desc"
	SortDateAsc  = "date_asc"
)

// DefaultSortOrder lists photos in upload order.
const DefaultSortOrder = SortDateAsc

// IsValidSortOrder checks if a string is a valid sort order constant
func IsValidSortOrder(order string) bool {
	switch order {
	case SortNameAsc, SortNameNat, SortDateDesc, SortDateAsc:
		return true
	default:
		return false
	}
}
