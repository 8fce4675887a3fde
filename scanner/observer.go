package scanner

// Observer receives per-entry events while a scan runs. Implementations
// must be safe for concurrent use when the scanner runs more than one
// worker.
type Observer interface {
	// Scanning is called before a file found by the directory walk is read.
	Scanning(path string)
	FileScanned(res Result)
	// EntryFailed reports a file or directory that could not be read.
	EntryFailed(path string, err error)
}

// Observers fans events out to each observer in order.
type Observers []Observer

func (o Observers) Scanning(path string) {
	for _, obs := range o {
		obs.Scanning(path)
	}
}

func (o Observers) FileScanned(res Result) {
	for _, obs := range o {
		obs.FileScanned(res)
	}
}

func (o Observers) EntryFailed(path string, err error) {
	for _, obs := range o {
		obs.EntryFailed(path, err)
	}
}

type nopObserver struct{}

func (nopObserver) Scanning(string)           {}
func (nopObserver) FileScanned(Result)        {}
func (nopObserver) EntryFailed(string, error) {}
