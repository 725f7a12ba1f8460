package tagstruct

// NewCommand starts a Writer pre-loaded with a command frame header:
// uint32 command id then uint32 tag, followed by zero or more tagged
// values appended by the caller.
func NewCommand(command uint32, tag uint32) *Writer {
	w := NewWriter()
	w.PutU32(command)
	w.PutU32(tag)
	return w
}

// ReadCommandHeader decodes the command+tag header from the front of a
// received control packet, returning a Reader positioned at the first
// argument value.
func ReadCommandHeader(data []byte) (command uint32, tag uint32, r *Reader, err error) {
	r = NewReader(data)
	command, err = r.GetU32()
	if err != nil {
		return 0, 0, nil, err
	}
	tag, err = r.GetU32()
	if err != nil {
		return 0, 0, nil, err
	}
	return command, tag, r, nil
}
