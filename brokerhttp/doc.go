// Package brokerhttp exposes a broker.Broker over HTTP: the OAuth authorize,
// consent, callback and token endpoints plus the authorization server
// metadata document.
//
// Typical wiring:
//
//	b, _ := broker.New(store, clientmeta.NewFetcher(), idpClient)
//	h, _ := brokerhttp.New(b, brokerhttp.WithBaseURL("https://auth.example.com"))
//	http.ListenAndServe(":8080", h)
package brokerhttp
