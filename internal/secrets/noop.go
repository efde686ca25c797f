package secrets

// NoopStore is used where no secure store exists. Every operation fails
// with ErrNotSupported.
type NoopStore struct{}

func (NoopStore) Get(service, account string) (string, error) { return "", ErrNotSupported }
func (NoopStore) Set(service, account, secret string) error   { return ErrNotSupported }
func (NoopStore) Delete(service, account string) error        { return ErrNotSupported }
func (NoopStore) IsSupported() bool                           { return false }
