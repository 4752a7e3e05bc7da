package convertd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedMessage indicates a message body that cannot be decoded:
// a truncated field, an oversized length prefix, or an unknown payload
// tag. Malformed messages are a hard error; the decoder never guesses.
var ErrMalformedMessage = errors.New("malformed convertd message")

// Messages are encoded in the same style as the raster frame format:
// big-endian fixed-width integers, with strings and byte slices
// length-prefixed by a uint32. Field order is fixed per message and is
// the format. Trailing bytes after the last field are ignored so a
// newer peer can append fields without breaking an older one.

// RegisterRequest announces a daemon to the coordinator.
type RegisterRequest struct {
	DaemonID     string
	DaemonName   string
	Version      string
	AuthToken    string
	Capabilities *Capabilities
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *RegisterRequest) MarshalBinary() ([]byte, error) {
	var e enc
	e.putString(m.DaemonID)
	e.putString(m.DaemonName)
	e.putString(m.Version)
	e.putString(m.AuthToken)
	e.putCapabilities(m.Capabilities)
	return e.b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *RegisterRequest) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.DaemonID = r.readString()
	m.DaemonName = r.readString()
	m.Version = r.readString()
	m.AuthToken = r.readString()
	m.Capabilities = r.readCapabilities()
	return r.err
}

// RegisterResponse carries the coordinator's verdict and the heartbeat
// interval the daemon must honor.
type RegisterResponse struct {
	Success            bool
	Error              string
	HeartbeatInterval  time.Duration
	CoordinatorVersion string
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *RegisterResponse) MarshalBinary() ([]byte, error) {
	var e enc
	e.putBool(m.Success)
	e.putString(m.Error)
	e.putI64(int64(m.HeartbeatInterval))
	e.putString(m.CoordinatorVersion)
	return e.b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *RegisterResponse) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Success = r.readBool()
	m.Error = r.readString()
	m.HeartbeatInterval = time.Duration(r.readI64())
	m.CoordinatorVersion = r.readString()
	return r.err
}

// HeartbeatRequest is the daemon's periodic liveness report.
type HeartbeatRequest struct {
	DaemonID       string
	ActiveJobs     int
	TotalCompleted uint64
	TotalFailed    uint64
	Stats          *SystemStats
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *HeartbeatRequest) MarshalBinary() ([]byte, error) {
	var e enc
	e.putString(m.DaemonID)
	e.putI32(int32(m.ActiveJobs))
	e.putU64(m.TotalCompleted)
	e.putU64(m.TotalFailed)
	e.putStats(m.Stats)
	return e.b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *HeartbeatRequest) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.DaemonID = r.readString()
	m.ActiveJobs = int(r.readI32())
	m.TotalCompleted = r.readU64()
	m.TotalFailed = r.readU64()
	m.Stats = r.readStats()
	return r.err
}

// HeartbeatResponse acknowledges a heartbeat. Success false tells the
// daemon it is no longer registered and must re-register.
type HeartbeatResponse struct {
	Success bool
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *HeartbeatResponse) MarshalBinary() ([]byte, error) {
	var e enc
	e.putBool(m.Success)
	return e.b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *HeartbeatResponse) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Success = r.readBool()
	return r.err
}

// UnregisterRequest announces a graceful daemon departure.
type UnregisterRequest struct {
	DaemonID string
	Reason   string
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *UnregisterRequest) MarshalBinary() ([]byte, error) {
	var e enc
	e.putString(m.DaemonID)
	e.putString(m.Reason)
	return e.b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *UnregisterRequest) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.DaemonID = r.readString()
	m.Reason = r.readString()
	return r.err
}

// UnregisterResponse acknowledges an unregister.
type UnregisterResponse struct {
	Success bool
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *UnregisterResponse) MarshalBinary() ([]byte, error) {
	var e enc
	e.putBool(m.Success)
	return e.b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *UnregisterResponse) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Success = r.readBool()
	return r.err
}

// Payload tags for ConvertMessage. The tag byte leads the message body
// and selects which payload follows.
const (
	tagReady    = 0x01
	tagJob      = 0x02
	tagAck      = 0x03
	tagProgress = 0x04
	tagResult   = 0x05
	tagFault    = 0x06
	tagCancel   = 0x07
)

// ReadySignal is the daemon's first message on the convert stream,
// binding the stream to its registration.
type ReadySignal struct {
	DaemonID string
}

// JobRequest pushes one conversion job to a daemon. Frame is a raster
// frame (12-byte header plus interleaved pixels); the daemon applies
// the transform and returns the result frame.
type JobRequest struct {
	JobID     string
	MaxWidth  int
	MaxHeight int
	Grayscale bool
	Frame     []byte
}

// JobAck reports whether the daemon took the job and which backend it
// will run it on.
type JobAck struct {
	JobID    string
	Accepted bool
	Backend  string
	Error    string
}

// JobProgress reports a stage transition while a job runs.
type JobProgress struct {
	JobID string
	Stage string
}

// JobResult carries the transformed frame back to the coordinator.
type JobResult struct {
	JobID   string
	Elapsed time.Duration
	Frame   []byte
}

// JobFault reports a failed job. Recoverable faults leave the daemon
// usable for further jobs.
type JobFault struct {
	JobID       string
	Message     string
	Recoverable bool
}

// JobCancel aborts a running job.
type JobCancel struct {
	JobID  string
	Reason string
}

// ConvertMessage is the envelope exchanged on the bidirectional
// convert stream. Exactly one payload field is set per message.
type ConvertMessage struct {
	Ready    *ReadySignal
	Job      *JobRequest
	Ack      *JobAck
	Progress *JobProgress
	Result   *JobResult
	Fault    *JobFault
	Cancel   *JobCancel
}

// MarshalBinary implements encoding.BinaryMarshaler. It fails unless
// exactly one payload field is set.
func (m *ConvertMessage) MarshalBinary() ([]byte, error) {
	var e enc
	set := 0
	if m.Ready != nil {
		set++
		e.putU8(tagReady)
		e.putString(m.Ready.DaemonID)
	}
	if m.Job != nil {
		set++
		e.putU8(tagJob)
		e.putString(m.Job.JobID)
		e.putI32(int32(m.Job.MaxWidth))
		e.putI32(int32(m.Job.MaxHeight))
		e.putBool(m.Job.Grayscale)
		e.putBytes(m.Job.Frame)
	}
	if m.Ack != nil {
		set++
		e.putU8(tagAck)
		e.putString(m.Ack.JobID)
		e.putBool(m.Ack.Accepted)
		e.putString(m.Ack.Backend)
		e.putString(m.Ack.Error)
	}
	if m.Progress != nil {
		set++
		e.putU8(tagProgress)
		e.putString(m.Progress.JobID)
		e.putString(m.Progress.Stage)
	}
	if m.Result != nil {
		set++
		e.putU8(tagResult)
		e.putString(m.Result.JobID)
		e.putI64(int64(m.Result.Elapsed))
		e.putBytes(m.Result.Frame)
	}
	if m.Fault != nil {
		set++
		e.putU8(tagFault)
		e.putString(m.Fault.JobID)
		e.putString(m.Fault.Message)
		e.putBool(m.Fault.Recoverable)
	}
	if m.Cancel != nil {
		set++
		e.putU8(tagCancel)
		e.putString(m.Cancel.JobID)
		e.putString(m.Cancel.Reason)
	}
	if set != 1 {
		return nil, fmt.Errorf("convert message must carry exactly one payload, has %d", set)
	}
	return e.b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *ConvertMessage) UnmarshalBinary(data []byte) error {
	*m = ConvertMessage{}
	r := reader{data: data}
	switch tag := r.readU8(); tag {
	case tagReady:
		m.Ready = &ReadySignal{DaemonID: r.readString()}
	case tagJob:
		job := &JobRequest{}
		job.JobID = r.readString()
		job.MaxWidth = int(r.readI32())
		job.MaxHeight = int(r.readI32())
		job.Grayscale = r.readBool()
		job.Frame = r.readBytes()
		m.Job = job
	case tagAck:
		ack := &JobAck{}
		ack.JobID = r.readString()
		ack.Accepted = r.readBool()
		ack.Backend = r.readString()
		ack.Error = r.readString()
		m.Ack = ack
	case tagProgress:
		m.Progress = &JobProgress{JobID: r.readString(), Stage: r.readString()}
	case tagResult:
		res := &JobResult{}
		res.JobID = r.readString()
		res.Elapsed = time.Duration(r.readI64())
		res.Frame = r.readBytes()
		m.Result = res
	case tagFault:
		fault := &JobFault{}
		fault.JobID = r.readString()
		fault.Message = r.readString()
		fault.Recoverable = r.readBool()
		m.Fault = fault
	case tagCancel:
		m.Cancel = &JobCancel{JobID: r.readString(), Reason: r.readString()}
	default:
		if r.err == nil {
			r.fail("unknown payload tag 0x%02x", tag)
		}
	}
	if r.err != nil {
		*m = ConvertMessage{}
	}
	return r.err
}

// enc builds a message body by appending big-endian fields.
type enc struct {
	b []byte
}

func (e *enc) putU8(v byte) {
	e.b = append(e.b, v)
}

func (e *enc) putU32(v uint32) {
	e.b = binary.BigEndian.AppendUint32(e.b, v)
}

func (e *enc) putU64(v uint64) {
	e.b = binary.BigEndian.AppendUint64(e.b, v)
}

func (e *enc) putI32(v int32) {
	e.putU32(uint32(v))
}

func (e *enc) putI64(v int64) {
	e.putU64(uint64(v))
}

func (e *enc) putF64(v float64) {
	e.putU64(math.Float64bits(v))
}

func (e *enc) putBool(v bool) {
	if v {
		e.putU8(1)
	} else {
		e.putU8(0)
	}
}

func (e *enc) putString(s string) {
	e.putU32(uint32(len(s)))
	e.b = append(e.b, s...)
}

func (e *enc) putBytes(p []byte) {
	e.putU32(uint32(len(p)))
	e.b = append(e.b, p...)
}

func (e *enc) putStrings(ss []string) {
	e.putU32(uint32(len(ss)))
	for _, s := range ss {
		e.putString(s)
	}
}

func (e *enc) putCapabilities(c *Capabilities) {
	if c == nil {
		e.putBool(false)
		return
	}
	e.putBool(true)
	e.putString(c.Backend)
	e.putI64(c.MaxPixels)
	e.putStrings(c.Formats)
	e.putI32(int32(c.MaxConcurrentJobs))
}

func (e *enc) putStats(s *SystemStats) {
	if s == nil {
		e.putBool(false)
		return
	}
	e.putBool(true)
	e.putString(s.Hostname)
	e.putString(s.OS)
	e.putString(s.Arch)
	e.putU64(s.UptimeSeconds)
	e.putString(s.CPUModel)
	e.putI32(int32(s.CPUCores))
	e.putF64(s.CPUPercent)
	e.putF64(s.LoadAvg1)
	e.putF64(s.LoadAvg5)
	e.putF64(s.LoadAvg15)
	e.putU64(s.MemoryTotalBytes)
	e.putU64(s.MemoryUsedBytes)
	e.putF64(s.MemoryPercent)
	e.putI64(s.CollectedAt.UnixNano())
}

// reader consumes a message body field by field. The first failure
// sticks; all subsequent reads return zero values.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.fail("need %d bytes at offset %d, have %d", n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) readU8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) readU32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) readU64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) readI32() int32 {
	return int32(r.readU32())
}

func (r *reader) readI64() int64 {
	return int64(r.readU64())
}

func (r *reader) readF64() float64 {
	return math.Float64frombits(r.readU64())
}

func (r *reader) readBool() bool {
	return r.readU8() != 0
}

func (r *reader) readString() string {
	n := int(r.readU32())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *reader) readBytes() []byte {
	n := int(r.readU32())
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *reader) readStrings() []string {
	n := int(r.readU32())
	if r.err != nil {
		return nil
	}
	// Each entry costs at least a length prefix; a count past that is
	// a lie about the remaining bytes.
	if n < 0 || n > (len(r.data)-r.off)/4 {
		r.fail("string count %d exceeds remaining data", n)
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.readString())
	}
	if r.err != nil {
		return nil
	}
	return out
}

func (r *reader) readCapabilities() *Capabilities {
	if !r.readBool() {
		return nil
	}
	c := &Capabilities{}
	c.Backend = r.readString()
	c.MaxPixels = r.readI64()
	c.Formats = r.readStrings()
	c.MaxConcurrentJobs = int(r.readI32())
	if r.err != nil {
		return nil
	}
	return c
}

func (r *reader) readStats() *SystemStats {
	if !r.readBool() {
		return nil
	}
	s := &SystemStats{}
	s.Hostname = r.readString()
	s.OS = r.readString()
	s.Arch = r.readString()
	s.UptimeSeconds = r.readU64()
	s.CPUModel = r.readString()
	s.CPUCores = int(r.readI32())
	s.CPUPercent = r.readF64()
	s.LoadAvg1 = r.readF64()
	s.LoadAvg5 = r.readF64()
	s.LoadAvg15 = r.readF64()
	s.MemoryTotalBytes = r.readU64()
	s.MemoryUsedBytes = r.readU64()
	s.MemoryPercent = r.readF64()
	s.CollectedAt = time.Unix(0, r.readI64())
	if r.err != nil {
		return nil
	}
	return s
}
