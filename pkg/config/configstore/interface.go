package configstore

type ConfigStore interface {
	Load(out any) error
	Save(data any) error
}

// Watcher is implemented by stores that can report changes.
type Watcher interface {
	Watch(onChange func()) (stop func(), err error)
}
