package api

import "fmt"

// Direction is the half of the HTTP exchange a header event applies to.
type Direction int32

const (
	DirectionUnspecified Direction = iota
	RequestPath
	ResponsePath
)

const (
	requestPathLabel  = "REQUEST_PATH"
	responsePathLabel = "RESPONSE_PATH"
)

// String returns the wire label of the direction.
func (d Direction) String() string {
	switch d {
	case RequestPath:
		return requestPathLabel
	case ResponsePath:
		return responsePathLabel
	}
	return fmt.Sprintf("DIRECTION_UNSPECIFIED(%d)", int32(d))
}

// Valid reports whether d can be put on the wire.
func (d Direction) Valid() bool {
	return d == RequestPath || d == ResponsePath
}

// ParseDirection parses a wire label.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case requestPathLabel:
		return RequestPath, nil
	case responsePathLabel:
		return ResponsePath, nil
	}
	return DirectionUnspecified, fmt.Errorf("%w: unknown direction %q", ErrDecode, s)
}
