// Package containers starts the Docker dependencies used by integration
// tests: a MySQL 8.0 database and an Eclipse Mosquitto broker.
//
// Containers are normally shared by every test in a package through TestMain:
//
//	var mqttBroker *containers.MosquittoContainer
//
//	func TestMain(m *testing.M) {
//	    var err error
//	    mqttBroker, err = containers.NewMosquittoContainer(nil)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    code := m.Run()
//	    _ = mqttBroker.Terminate()
//	    os.Exit(code)
//	}
//
// Everything here is behind the "integration" build tag:
//
//	go test -tags=integration ./...
package containers
