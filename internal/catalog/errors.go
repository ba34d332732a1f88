package catalog

import "errors"

// ErrInvalidCategory is returned when transport input names an unknown
// image category. The read path must reject these before touching disk.
var ErrInvalidCategory = errors.New("invalid image category")
