//go:build darwin

package secrets

import (
	"errors"

	"github.com/keybase/go-keychain"
)

func platformStore() SecretStore { return &KeychainStore{} }

// KeychainStore keeps credentials as generic passwords in the login Keychain.
type KeychainStore struct{}

func (k *KeychainStore) query(service, account string) keychain.Item {
	item := keychain.NewItem()
	item.SetSecClass(keychain.SecClassGenericPassword)
	item.SetService(service)
	item.SetAccount(account)
	return item
}

func (k *KeychainStore) Get(service, account string) (string, error) {
	q := k.query(service, account)
	q.SetMatchLimit(keychain.MatchLimitOne)
	q.SetReturnData(true)

	results, err := keychain.QueryItem(q)
	if err != nil {
		if errors.Is(err, keychain.ErrorItemNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	if len(results) == 0 {
		return "", ErrNotFound
	}
	return string(results[0].Data), nil
}

// Set adds the credential, updating it in place when it already exists.
func (k *KeychainStore) Set(service, account, secret string) error {
	item := k.query(service, account)
	item.SetLabel(service + " - " + account)
	item.SetData([]byte(secret))
	item.SetSynchronizable(keychain.SynchronizableNo)
	item.SetAccessible(keychain.AccessibleWhenUnlocked)

	err := keychain.AddItem(item)
	if errors.Is(err, keychain.ErrorDuplicateItem) {
		update := keychain.NewItem()
		update.SetData([]byte(secret))
		return keychain.UpdateItem(k.query(service, account), update)
	}
	return err
}

func (k *KeychainStore) Delete(service, account string) error {
	err := keychain.DeleteItem(k.query(service, account))
	if errors.Is(err, keychain.ErrorItemNotFound) {
		return ErrNotFound
	}
	return err
}

func (k *KeychainStore) IsSupported() bool { return true }
