package writequeue

// Kind tags a mutation command.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindObserve
	KindResizeReport
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindObserve:
		return "observe"
	case KindResizeReport:
		return "resize_report"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Command is one mutation request. Only the fields of its Kind are used.
type Command struct {
	Kind Kind

	Key    string
	Origin string
	Port   uint32

	ReportSize uint16
}

func Observe(key, origin string, port uint32) Command {
	return Command{Kind: KindObserve, Key: key, Origin: origin, Port: port}
}

func ResizeReport(n uint16) Command {
	return Command{Kind: KindResizeReport, ReportSize: n}
}

func Shutdown() Command {
	return Command{Kind: KindShutdown}
}
