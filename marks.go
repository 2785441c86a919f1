package mvcore

// Delimiter bytes used throughout MultiValue record data: a record is a
// sequence of fields separated by FieldMark, each field a sequence of
// values separated by ValueMark, each value a sequence of subvalues
// separated by SubvalueMark. These are data-layer conventions, not part
// of the group/record block format, but callers (directory-file
// fallback's newline mapping, AK i-type field extraction) need them.
const (
	FieldMark    byte = 0xFE
	ValueMark    byte = 0xFD
	SubvalueMark byte = 0xFC
)
