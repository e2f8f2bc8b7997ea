// Package push delivers new device login requests to an approver's registered
// devices. LogSender is the development default; FCMSender talks to Firebase
// Cloud Messaging. Delivery is best effort and never blocks request creation.
package push
