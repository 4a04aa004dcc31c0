package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is what components hold: a field logger scoped to one component.
type Logger = logrus.FieldLogger

type Setter func(*logrus.Logger) error

var root = struct {
	logger *logrus.Logger
	mutex  *sync.Mutex
}{
	logger: func() *logrus.Logger {
		l := logrus.New()
		l.SetFormatter(utcFormatter{&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			DisableColors:   true,
		}})
		return l
	}(),
	mutex: &sync.Mutex{},
}

type utcFormatter struct {
	logrus.Formatter
}

func (f utcFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Time = entry.Time.UTC()
	return f.Formatter.Format(entry)
}

// New returns a logger tagged with the component name.
func New(component string, setters ...Setter) Logger {
	for _, setter := range setters {
		_ = Set(setter)
	}
	return root.logger.WithField("component", component)
}

func Set(setter Setter) error {
	root.mutex.Lock()
	err := setter(root.logger)
	root.mutex.Unlock()
	return err
}

func Level(lvl string) Setter {
	l, err := logrus.ParseLevel(lvl)
	if err != nil {
		root.logger.WithError(err).Errorf("unable to parse provided level %q", lvl)
		l = logrus.InfoLevel
	}
	return func(r *logrus.Logger) error {
		r.SetLevel(l)
		return nil
	}
}

// Discard returns a logger that drops everything, for tests.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Setup routes the root logger, and the stdlib log package, into a daily
// rotating file under dir. The returned closer releases the current file.
func Setup(appName, dir, level string, alsoConsole bool) (io.Closer, error) {
	writer, err := newDailyFileWriter(dir, appName, 7)
	if err != nil {
		return nil, err
	}

	var out io.Writer = writer
	if alsoConsole {
		out = io.MultiWriter(os.Stdout, writer)
	}

	_ = Set(func(l *logrus.Logger) error {
		l.SetOutput(out)
		return nil
	})
	_ = Set(Level(level))

	log.SetOutput(out)
	log.SetFlags(log.Ldate | log.Ltime | log.LUTC)
	return writer, nil
}
