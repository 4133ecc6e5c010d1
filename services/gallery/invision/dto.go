package invision

// pageEnvelope is the paginated list wrapper of the Invision Community REST API.
type pageEnvelope[T any] struct {
	Page         int `json:"page"`
	PerPage      int `json:"perPage"`
	TotalResults int `json:"totalResults"`
	TotalPages   int `json:"totalPages"`
	Results      []T `json:"results"`
}

type albumDTO struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type imageDTO struct {
	ID     int         `json:"id"`
	Images imageURLDTO `json:"images"`
}

type imageURLDTO struct {
	Original string `json:"original"`
	Large    string `json:"large"`
	Small    string `json:"small"`
}

// errorDTO is the error body returned with non-2xx responses.
type errorDTO struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}
